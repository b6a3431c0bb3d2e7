package store

import "fmt"

// Settings is the singleton row of hub-wide preferences.
type Settings struct {
	MaxConcurrentSessions int
	MaxVisibleSessions    int
	AutoApprove           bool
	GridLayout            string
	Theme                 string
}

// GetSettings returns the singleton settings row.
func (s *Store) GetSettings() (Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Settings
	var autoApprove int
	err := s.db.QueryRow(
		"SELECT max_concurrent_sessions, max_visible_sessions, auto_approve, grid_layout, theme FROM settings WHERE id = 1",
	).Scan(&st.MaxConcurrentSessions, &st.MaxVisibleSessions, &autoApprove, &st.GridLayout, &st.Theme)
	if err != nil {
		return Settings{}, fmt.Errorf("get settings: %w", err)
	}
	st.AutoApprove = autoApprove != 0
	return st, nil
}

// UpdateSettings replaces the singleton settings row.
func (s *Store) UpdateSettings(st Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st.MaxConcurrentSessions < 1 {
		st.MaxConcurrentSessions = 1
	}

	_, err := s.db.Exec(
		"UPDATE settings SET max_concurrent_sessions=?, max_visible_sessions=?, auto_approve=?, grid_layout=?, theme=? WHERE id = 1",
		st.MaxConcurrentSessions, st.MaxVisibleSessions, boolInt(st.AutoApprove), st.GridLayout, st.Theme,
	)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	return nil
}
