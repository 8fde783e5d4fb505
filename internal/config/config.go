// Package config turns raw key/value settings into a validated launch
// specification. Resolve is pure apart from inspecting the SSH key file;
// Load is the only code that reads the process environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/chainguard-dev/ec2-ephemeral/internal/instance"
)

const (
	KeyAccessKey       = "AWS_ACCESS_KEY"
	KeySecretKey       = "AWS_SECRET_KEY"
	KeyRegion          = "AWS_REGION"
	KeyTemplateID      = "LAUNCH_TEMPLATE_ID"
	KeySSHKeyPath      = "SSH_KEY_PATH"
	KeySSHUser         = "SSH_USERNAME"
	KeyTemplateVersion = "LAUNCH_TEMPLATE_VERSION"
	KeySSHPort         = "SSH_PORT"
	KeySSHPassphrase   = "SSH_KEY_PASSPHRASE"
	KeyReadyTimeout    = "READY_TIMEOUT"
	KeyLedger          = "EC2_EPHEMERAL_LEDGER"
)

const (
	DefaultTemplateVersion = "$Latest"
	DefaultSSHPort         = 22
)

// Required lists the keys Resolve insists on, in the order they are checked.
var Required = []string{
	KeyAccessKey,
	KeySecretKey,
	KeyRegion,
	KeyTemplateID,
	KeySSHKeyPath,
	KeySSHUser,
}

// Optional lists every other key the tool understands.
var Optional = []string{
	KeyTemplateVersion,
	KeySSHPort,
	KeySSHPassphrase,
	KeyReadyTimeout,
	KeyLedger,
}

var (
	regionRe   = regexp.MustCompile(`^[a-z]{2}(-gov|-iso[a-z]?)?-[a-z]+-\d+$`)
	templateRe = regexp.MustCompile(`^lt-[0-9a-f]{8,17}$`)
	userRe     = regexp.MustCompile(`^[a-z_][a-z0-9_.-]*$`)
)

const maxUserLen = 32

// Credentials are the static AWS credentials used for every API call.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
}

func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{AccessKeyID: %s, SecretAccessKey: [redacted]}", redact(c.AccessKeyID))
}

func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(slog.String("access_key_id", redact(c.AccessKeyID)))
}

// Resolved is the output of Resolve.
type Resolved struct {
	Spec        instance.Spec
	Credentials Credentials
	// Passphrase decrypts the SSH key; empty for an unencrypted key.
	Passphrase string
	// ReadyTimeout is zero when not configured.
	ReadyTimeout time.Duration
	// LedgerPath is empty when not configured.
	LedgerPath string
}

func (r Resolved) String() string {
	return fmt.Sprintf("Resolved{Spec: %+v, %s, ReadyTimeout: %s, LedgerPath: %q}",
		r.Spec, r.Credentials, r.ReadyTimeout, r.LedgerPath)
}

// redact keeps only the last four characters of an access key id, which is
// how AWS itself prints them.
func redact(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}

type options struct {
	home func() (string, error)
}

type Option func(*options)

// WithHomeDir overrides how "~" in SSH_KEY_PATH is expanded.
func WithHomeDir(home string) Option {
	return func(o *options) {
		o.home = func() (string, error) { return home, nil }
	}
}

// Resolve validates values and produces a launch specification. The first
// failure wins, except that every missing required key is reported together.
func Resolve(values map[string]string, opts ...Option) (Resolved, error) {
	o := options{home: os.UserHomeDir}
	for _, opt := range opts {
		opt(&o)
	}

	get := func(key string) string {
		return strings.TrimSpace(values[key])
	}

	var missing []string
	for _, key := range Required {
		if get(key) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return Resolved{}, &Error{Kind: MissingField, Field: missing[0], Fields: missing}
	}

	region := get(KeyRegion)
	if !regionRe.MatchString(region) {
		return Resolved{}, invalid(KeyRegion, fmt.Sprintf("%q is not an AWS region name", region))
	}

	template := get(KeyTemplateID)
	if !templateRe.MatchString(template) {
		return Resolved{}, invalid(KeyTemplateID, fmt.Sprintf("%q is not a launch template id (lt-...)", template))
	}

	keyPath, err := checkKey(get(KeySSHKeyPath), o.home)
	if err != nil {
		return Resolved{}, err
	}

	user := get(KeySSHUser)
	if len(user) > maxUserLen || !userRe.MatchString(user) {
		return Resolved{}, invalid(KeySSHUser, fmt.Sprintf("%q is not a valid login name", user))
	}

	version := get(KeyTemplateVersion)
	if version == "" {
		version = DefaultTemplateVersion
	}
	if err := checkTemplateVersion(version); err != nil {
		return Resolved{}, err
	}

	port := uint16(DefaultSSHPort)
	if raw := get(KeySSHPort); raw != "" {
		p, err := strconv.ParseUint(raw, 10, 16)
		if err != nil || p == 0 {
			return Resolved{}, invalid(KeySSHPort, fmt.Sprintf("%q is not a TCP port", raw))
		}
		port = uint16(p)
	}

	var readyTimeout time.Duration
	if raw := get(KeyReadyTimeout); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return Resolved{}, invalid(KeyReadyTimeout, fmt.Sprintf("%q is not a positive duration such as 5m", raw))
		}
		readyTimeout = d
	}

	return Resolved{
		Spec: instance.Spec{
			TemplateID:      template,
			TemplateVersion: version,
			Region:          region,
			KeyPath:         keyPath,
			SSHUser:         user,
			SSHPort:         port,
		},
		Credentials: Credentials{
			AccessKeyID:     get(KeyAccessKey),
			SecretAccessKey: get(KeySecretKey),
		},
		Passphrase:   values[KeySSHPassphrase],
		ReadyTimeout: readyTimeout,
		LedgerPath:   get(KeyLedger),
	}, nil
}

// ResolveCredentials validates only the AWS credentials, for commands that
// never launch or log in.
func ResolveCredentials(values map[string]string) (Credentials, error) {
	var missing []string
	for _, key := range []string{KeyAccessKey, KeySecretKey} {
		if strings.TrimSpace(values[key]) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return Credentials{}, &Error{Kind: MissingField, Field: missing[0], Fields: missing}
	}
	return Credentials{
		AccessKeyID:     strings.TrimSpace(values[KeyAccessKey]),
		SecretAccessKey: strings.TrimSpace(values[KeySecretKey]),
	}, nil
}

func invalid(field, reason string) *Error {
	return &Error{Kind: InvalidFormat, Field: field, Reason: reason}
}

func checkTemplateVersion(v string) error {
	if v == "$Latest" || v == "$Default" {
		return nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil || n == 0 {
		return invalid(KeyTemplateVersion, fmt.Sprintf("%q must be $Latest, $Default or a positive version number", v))
	}
	return nil
}

// checkKey verifies the key file is usable without reading its contents.
func checkKey(path string, home func() (string, error)) (string, error) {
	unreadable := func(reason string, err error) error {
		return &Error{Kind: UnreadableKey, Field: KeySSHKeyPath, Reason: reason, Err: err}
	}

	if path == "~" || strings.HasPrefix(path, "~/") {
		dir, err := home()
		if err != nil {
			return "", unreadable("cannot expand ~", err)
		}
		path = filepath.Join(dir, strings.TrimPrefix(path, "~"))
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", unreadable(path, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", unreadable(abs, err)
	}
	if !info.Mode().IsRegular() {
		return "", unreadable(abs+" is not a regular file", nil)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return "", unreadable(fmt.Sprintf("%s has permissions %#o, expected 0600 or stricter", abs, perm), nil)
	}

	f, err := os.Open(abs)
	if err != nil {
		return "", unreadable(abs, err)
	}
	_ = f.Close()

	return abs, nil
}
