package supervisor

import (
	"limbic/internal/launch"
	"limbic/internal/statusserver"
)

// Status implements statusserver.Provider.
func (s *Supervisor) Status() statusserver.Status {
	s.mu.Lock()
	state := s.state
	backend := s.backend
	frontend := s.frontend
	s.mu.Unlock()

	status := statusserver.Status{State: string(state)}
	for _, process := range []*launch.ManagedProcess{backend, frontend} {
		if process == nil {
			continue
		}
		status.Services = append(status.Services, statusserver.ServiceStatus{
			Role:    string(process.Role),
			PID:     process.PID,
			Port:    process.Port,
			Alive:   process.Alive(),
			LogPath: process.LogPath,
		})
	}
	return status
}
