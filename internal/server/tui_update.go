// ABOUTME: TUI update helpers for server
// ABOUTME: Functions to send engine state updates to TUI
package server

// updateTUI sends current server state to TUI. It runs on the engine goroutine.
func (s *Server) updateTUI(status Status) {
	if s.tui == nil {
		return
	}

	s.tui.Update(ServerStatus{
		Name:       s.config.Name,
		Listeners:  s.listeners,
		AudioTitle: s.audioTitle(),
		SampleRate: s.config.Format.SampleRate,
		Engine:     status,
	})
}

// audioTitle describes the producer for display
func (s *Server) audioTitle() string {
	if s.source == nil {
		return "Initializing..."
	}
	title, artist, _ := s.source.Metadata()
	if artist != "" {
		return artist + " - " + title
	}
	return title
}
