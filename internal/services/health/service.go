package health

// ReadinessChecker reports whether the storage backend has been verified.
type ReadinessChecker interface {
	Ready() bool
}

// Status is the payload served by the health endpoint.
type Status struct {
	OK         bool   `json:"ok"`
	Ready      bool   `json:"ready"`
	InstanceID string `json:"instanceId"`
}

// Service encapsulates health-related checks.
type Service struct {
	instanceID string
	readiness  ReadinessChecker
}

// NewService constructs a new health service.
func NewService(instanceID string, readiness ReadinessChecker) *Service {
	return &Service{instanceID: instanceID, readiness: readiness}
}

// Status returns liveness and readiness for this instance.
func (s *Service) Status() Status {
	ready := s.readiness != nil && s.readiness.Ready()
	return Status{OK: true, Ready: ready, InstanceID: s.instanceID}
}
