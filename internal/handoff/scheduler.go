package handoff

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/careops/voicedesk/internal/chat"
)

// Sink receives the synthesized follow-up messages. All writers append; the
// sink is expected to lock internally.
type Sink interface {
	AppendMessage(m chat.Message)
}

type followUp struct {
	text  string
	delay time.Duration
}

// rule is one entry of the fixed compatibility table: when a finalized message
// mentions both tags, the responder "replies" with the canned follow-ups.
// This is a static lookup, not a planner.
type rule struct {
	first     string
	second    string
	responder string
	followUps []followUp
}

func defaultRules() []rule {
	return []rule{
		{
			first: "@lab", second: "@dispatch", responder: "@dispatch",
			followUps: []followUp{
				{text: "Dispatch here - courier is en route to collect the samples.", delay: 1500 * time.Millisecond},
				{text: "Courier arrived at the lab; results expected within the hour.", delay: 3500 * time.Millisecond},
			},
		},
		{
			first: "@triage", second: "@cardio", responder: "@cardio",
			followUps: []followUp{
				{text: "Cardio on call - pulling the latest ECG now.", delay: 2 * time.Second},
				{text: "ECG reviewed, no acute changes. Full note to follow.", delay: 4500 * time.Millisecond},
			},
		},
	}
}

// Scheduler synthesizes delayed "specialist" replies when a finalized message
// mentions a compatible pair of agent tags. Timers are owned by the scheduler
// so tearing down the conversation also cancels anything still pending.
type Scheduler struct {
	sink  Sink
	rules []rule

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
}

func New(sink Sink) *Scheduler {
	return &Scheduler{
		sink:   sink,
		rules:  defaultRules(),
		timers: make(map[*time.Timer]struct{}),
	}
}

// Schedule inspects finalized message text and enqueues the canned follow-ups
// for every compatibility pair whose two tags both appear. A single tag alone
// enqueues nothing. Firing order follows the configured delays, not enqueue
// order, so follow-ups may interleave with unrelated chat traffic.
func (s *Scheduler) Schedule(text string) {
	for _, r := range s.rules {
		if !strings.Contains(text, r.first) || !strings.Contains(text, r.second) {
			continue
		}
		for _, f := range r.followUps {
			s.enqueue(r.responder, f)
		}
	}
}

func (s *Scheduler) enqueue(responder string, f followUp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(f.delay, func() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		delete(s.timers, timer)
		s.mu.Unlock()
		s.sink.AppendMessage(chat.Message{
			ID:        uuid.NewString(),
			Role:      chat.RoleAssistant,
			Content:   f.text,
			Timestamp: time.Now(),
			AgentTag:  responder,
		})
	})
	s.timers[timer] = struct{}{}
}

// Pending reports how many follow-ups are enqueued but not yet fired.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close cancels every pending follow-up. Subsequent Schedule calls are no-ops.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for t := range s.timers {
		t.Stop()
	}
	s.timers = make(map[*time.Timer]struct{})
}
