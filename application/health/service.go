package health

import (
	"fmt"
	"sort"
)

const (
	statusOK    = "ok"
	statusError = "error"
)

type check struct {
	name   string
	target Pinger
}

type Service struct {
	checks []check
}

func NewService() *Service {
	return &Service{}
}

// Register adds a dependency to the health report under name.
func (s *Service) Register(name string, target Pinger) *Service {
	s.checks = append(s.checks, check{name: name, target: target})
	return s
}

// CheckHealth pings every registered dependency. The error lists the
// dependencies that failed.
func (s *Service) CheckHealth() (map[string]string, error) {
	result := make(map[string]string, len(s.checks))
	var failed []string

	for _, c := range s.checks {
		if err := c.target.Ping(); err != nil {
			result[c.name] = statusError
			failed = append(failed, c.name)
			continue
		}
		result[c.name] = statusOK
	}

	if len(failed) > 0 {
		sort.Strings(failed)
		return result, fmt.Errorf("unhealthy dependencies: %v", failed)
	}
	return result, nil
}
