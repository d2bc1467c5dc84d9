package metrics

import (
	"sync/atomic"
	"time"
)

// SearchMetric summarises one search call.
type SearchMetric struct {
	Depth           int
	Duration        time.Duration
	Nodes           int
	LeafEvaluations int
	TableHits       int
}

type Collector interface {
	Start(depth int)
	AddNode()
	AddLeafEvaluation()
	AddTableHit()
	Complete() SearchMetric
}

type collector struct {
	depth     int
	startTime time.Time
	nodes     atomic.Int64
	leaves    atomic.Int64
	tableHits atomic.Int64
}

func NewCollector() Collector {
	return &collector{}
}

func (m *collector) Start(depth int) {
	m.startTime = time.Now()
	m.depth = depth
	m.nodes.Store(0)
	m.leaves.Store(0)
	m.tableHits.Store(0)
}

func (m *collector) AddNode() {
	m.nodes.Add(1)
}

func (m *collector) AddLeafEvaluation() {
	m.leaves.Add(1)
}

func (m *collector) AddTableHit() {
	m.tableHits.Add(1)
}

func (m *collector) Complete() SearchMetric {
	return SearchMetric{
		Depth:           m.depth,
		Duration:        time.Since(m.startTime),
		Nodes:           int(m.nodes.Load()),
		LeafEvaluations: int(m.leaves.Load()),
		TableHits:       int(m.tableHits.Load()),
	}
}

// observedCollector feeds every completed search into the prometheus
// search metrics under its role label.
type observedCollector struct {
	collector
	role string
}

// NewObservedCollector counts like NewCollector and also observes each
// completed search. Complete must be called once per search.
func NewObservedCollector(role string) Collector {
	return &observedCollector{role: role}
}

func (m *observedCollector) Complete() SearchMetric {
	metric := m.collector.Complete()
	ObserveSearch(m.role, metric)
	return metric
}

type dummyCollector struct{}

func NewDummyCollector() Collector {
	return &dummyCollector{}
}

func (m *dummyCollector) Start(depth int)        {}
func (m *dummyCollector) AddNode()               {}
func (m *dummyCollector) AddLeafEvaluation()     {}
func (m *dummyCollector) AddTableHit()           {}
func (m *dummyCollector) Complete() SearchMetric { return SearchMetric{} }
