// Package runtime manages the lifecycle of a node's long-running services.
package runtime

import (
	"fmt"
	"reflect"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "registry")

// Service is a long-running component registered into a ServiceRegistry.
type Service interface {
	// Start spawns any goroutines required by the service.
	Start()
	// Stop terminates all goroutines belonging to the service,
	// blocking until they are all terminated.
	Stop() error
	// Status returns error if the service is not considered healthy.
	Status() error
}

// ServiceRegistry starts and stops a node's services in registration order
// and aggregates their health. Each service registers under a name; the
// health endpoint reports per-name statuses.
type ServiceRegistry struct {
	services map[string]Service
	names    []string
	types    map[reflect.Type]Service
}

// NewServiceRegistry returns an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{
		services: make(map[string]Service),
		types:    make(map[reflect.Type]Service),
	}
}

// RegisterService adds a service under name. Names and concrete types must be
// unique within a registry.
func (s *ServiceRegistry) RegisterService(name string, service Service) error {
	if _, exists := s.services[name]; exists {
		return fmt.Errorf("service already registered: %s", name)
	}
	kind := reflect.TypeOf(service)
	if _, exists := s.types[kind]; exists {
		return fmt.Errorf("service type already registered: %v", kind)
	}
	s.services[name] = service
	s.names = append(s.names, name)
	s.types[kind] = service
	return nil
}

// StartAll starts each service in registration order.
func (s *ServiceRegistry) StartAll() {
	log.Debugf("Starting %d services: %v", len(s.names), s.names)
	for _, name := range s.names {
		log.WithField("service", name).Debug("Starting service")
		s.services[name].Start()
	}
}

// StopAll stops every service in reverse registration order.
func (s *ServiceRegistry) StopAll() {
	for i := len(s.names) - 1; i >= 0; i-- {
		name := s.names[i]
		if err := s.services[name].Stop(); err != nil {
			log.WithError(err).WithField("service", name).Error("Could not stop service")
		}
	}
}

// Statuses returns each registered service's health, keyed by name.
func (s *ServiceRegistry) Statuses() map[string]error {
	m := make(map[string]error, len(s.names))
	for _, name := range s.names {
		m[name] = s.services[name].Status()
	}
	return m
}

// FetchService sets the pointer target to the registered service of the
// pointed-to type, so dependents share one instance.
func (s *ServiceRegistry) FetchService(service interface{}) error {
	if reflect.TypeOf(service).Kind() != reflect.Ptr {
		return fmt.Errorf("input must be of pointer type, received value type instead: %T", service)
	}
	element := reflect.ValueOf(service).Elem()
	if running, ok := s.types[element.Type()]; ok {
		element.Set(reflect.ValueOf(running))
		return nil
	}
	return fmt.Errorf("unknown service: %T", service)
}
