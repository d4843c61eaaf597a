package analytics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Pipeline methods answered by the simulator
const (
	methodTopologySet        = "GraphTopologySet"
	methodInstanceSet        = "GraphInstanceSet"
	methodInstanceActivate   = "GraphInstanceActivate"
	methodInstanceDeactivate = "GraphInstanceDeactivate"
	methodInstanceDelete     = "GraphInstanceDelete"
	methodTopologyDelete     = "GraphTopologyDelete"
)

// Simulator stands in for the analytics module on local runs. It keeps the
// topologies and instances it is sent and enforces the module's ordering rules:
// an instance needs its topology and activation needs the instance.
type Simulator struct {
	log zerolog.Logger

	mu         sync.Mutex
	topologies map[string]bool
	instances  map[string]bool // name -> active
}

func NewSimulator(log zerolog.Logger) *Simulator {
	return &Simulator{
		log:        log,
		topologies: make(map[string]bool),
		instances:  make(map[string]bool),
	}
}

type simDoc struct {
	Name       string `json:"name"`
	Properties struct {
		TopologyName string `json:"topologyName"`
	} `json:"properties"`
}

func simError(status int, code, message string) (int, any) {
	return status, map[string]any{"error": map[string]string{"code": code, "message": message}}
}

// Handle implements Handler
func (s *Simulator) Handle(method string, payload json.RawMessage) (int, any) {
	var doc simDoc
	if err := json.Unmarshal(payload, &doc); err != nil || doc.Name == "" {
		return simError(http.StatusBadRequest, "InvalidInput", "payload requires a name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Debug().Str("method", method).Str("name", doc.Name).Msg("Simulated analytics call")

	switch method {
	case methodTopologySet:
		s.topologies[doc.Name] = true
	case methodInstanceSet:
		if !s.topologies[doc.Properties.TopologyName] {
			return simError(http.StatusBadRequest, "TopologyNotFound", "topology "+doc.Properties.TopologyName+" is not set")
		}
		s.instances[doc.Name] = false
	case methodInstanceActivate:
		if _, ok := s.instances[doc.Name]; !ok {
			return simError(http.StatusNotFound, "InstanceNotFound", "instance "+doc.Name+" is not set")
		}
		s.instances[doc.Name] = true
	case methodInstanceDeactivate:
		if _, ok := s.instances[doc.Name]; ok {
			s.instances[doc.Name] = false
		}
	case methodInstanceDelete:
		if s.instances[doc.Name] {
			return simError(http.StatusConflict, "InstanceActive", "instance "+doc.Name+" is active")
		}
		delete(s.instances, doc.Name)
	case methodTopologyDelete:
		delete(s.topologies, doc.Name)
	default:
		return simError(http.StatusNotImplemented, "MethodNotFound", "unknown method "+method)
	}

	return http.StatusOK, map[string]string{"name": doc.Name}
}

// ActiveInstances lists the names of active instances
func (s *Simulator) ActiveInstances() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	for name, active := range s.instances {
		if active {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
