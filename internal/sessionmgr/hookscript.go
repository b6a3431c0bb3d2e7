package sessionmgr

import (
	"os"
	"path/filepath"
)

// hookScriptBody posts {sessionId, claudeSessionId} to the hub's loopback
// hooks endpoint. session_id is pulled out of the hook payload Claude writes
// to stdin; C3_SESSION_ID and C3_HUB_PORT come from the spawn environment.
const hookScriptBody = `#!/bin/sh
payload=$(cat)
claude_session_id=$(printf '%s' "$payload" | sed -n 's/.*"session_id"[[:space:]]*:[[:space:]]*"\([^"]*\)".*/\1/p')
curl -s -m 10 -X POST "http://localhost:${C3_HUB_PORT}/api/hooks/event" \
  -H 'Content-Type: application/json' \
  -d "{\"sessionId\":\"${C3_SESSION_ID}\",\"claudeSessionId\":\"${claude_session_id}\"}" >/dev/null 2>&1
exit 0
`

// installHookScript writes the hook script to path if it doesn't already
// exist, or if its contents are stale.
func installHookScript(path string) error {
	if path == "" {
		return nil
	}
	if existing, err := os.ReadFile(path); err == nil && string(existing) == hookScriptBody {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(hookScriptBody), 0o700)
}
