package ptymux

import "testing"

func TestScanBoardCommandFindsBELTerminated(t *testing.T) {
	chunk := []byte("hello \x1b]9001;open-file:/a.txt\x07 world")
	cmd, rest := scanBoardCommand(chunk)
	if cmd != "open-file:/a.txt" {
		t.Errorf("command = %q", cmd)
	}
	if string(rest) != string(chunk) {
		t.Error("board-command scan must not consume bytes from the forwarded stream")
	}
}

func TestScanBoardCommandFindsSTTerminated(t *testing.T) {
	chunk := []byte("\x1b]9001;ping\x1b\\")
	cmd, _ := scanBoardCommand(chunk)
	if cmd != "ping" {
		t.Errorf("command = %q", cmd)
	}
}

func TestScanBoardCommandNoneFound(t *testing.T) {
	cmd, rest := scanBoardCommand([]byte("plain terminal output"))
	if cmd != "" || rest != nil {
		t.Errorf("command = %q, rest = %v, want empty", cmd, rest)
	}
}

func TestScanBoardCommandIncompleteSequenceIgnored(t *testing.T) {
	cmd, _ := scanBoardCommand([]byte("\x1b]9001;unterminated"))
	if cmd != "" {
		t.Errorf("command = %q, want empty for an unterminated sequence", cmd)
	}
}
