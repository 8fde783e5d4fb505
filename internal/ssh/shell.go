package ssh

// shell.go defines the shells 'ExecIn' knows how to start. Commands are then
// piped to that process via stdin.

type Shell = string

const (
	ShellSh   Shell = "sh"
	ShellBash Shell = "bash"
)
