package strand

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/pipz"
)

// ErrEmptyChain is the message of the Response returned when a chain without nodes is run.
const ErrEmptyChain = "chain has no nodes"

var errNodeFailed = errors.New("node returned an error response")

// Step records one node execution in a Trace.
type Step struct {
	Index        int
	Node         string
	Input        string
	Output       string
	TokensUsed   int
	Latency      time.Duration
	Error        bool
	ErrorMessage string
}

// Trace describes a complete chain run.
type Trace struct {
	RunID      string
	Steps      []Step
	Latency    time.Duration
	TokensUsed int // Sum over all recorded steps
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithDebug enables per-node debug events.
func WithDebug(debug bool) ChainOption {
	return func(c *Chain) {
		c.debug = debug
	}
}

// WithClock sets the clock used for latency measurement.
func WithClock(clock clockz.Clock) ChainOption {
	return func(c *Chain) {
		c.clock = clock
	}
}

// WithNodes appends pre-built nodes.
func WithNodes(nodes ...*Node) ChainOption {
	return func(c *Chain) {
		for _, n := range nodes {
			c.Append(n)
		}
	}
}

// Chain runs a prompt through its nodes in order and stops at the first error.
//
// Nodes are added during setup. Once runs start the chain must not be modified;
// concurrent Run calls on a fully built chain are safe.
type Chain struct {
	nodes    []*Node
	stages   []pipz.Chainable[*runState]
	pipeline pipz.Chainable[*runState]
	debug    bool
	clock    clockz.Clock
}

// NewChain creates an empty chain.
func NewChain(opts ...ChainOption) *Chain {
	c := &Chain{clock: clockz.RealClock}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddNode appends a node and returns the chain for further setup calls.
func (c *Chain) AddNode(name string, provider Provider, modifier Modifier, opts ...NodeOption) *Chain {
	return c.Append(NewNode(name, provider, modifier, opts...))
}

// Append adds an existing node to the end of the chain.
func (c *Chain) Append(n *Node) *Chain {
	c.nodes = append(c.nodes, n)
	c.stages = append(c.stages, c.stage(len(c.nodes)-1, n))
	c.pipeline = pipz.NewSequence("chain", c.stages...)
	return c
}

// Len returns the number of nodes.
func (c *Chain) Len() int {
	return len(c.nodes)
}

// Names returns the node names in execution order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.nodes))
	for i, n := range c.nodes {
		names[i] = n.name
	}
	return names
}

// Debug reports whether per-node debug events are emitted.
func (c *Chain) Debug() bool {
	return c.debug
}

// Run passes prompt through every node and returns the final Response.
// If a node fails its Response is returned unchanged and later nodes are skipped.
// An empty chain returns a KindChain failure.
func (c *Chain) Run(ctx context.Context, prompt string) Response {
	resp, _ := c.Trace(ctx, prompt)
	return resp
}

// Trace is Run plus a record of every executed step.
func (c *Chain) Trace(ctx context.Context, prompt string) (Response, Trace) {
	runID := uuid.New().String()
	start := c.clock.Now()

	// Prompt and reply text only travel on events of debug chains.
	started := []capitan.Field{
		RunIDKey.Field(runID),
		NodeCountKey.Field(len(c.nodes)),
	}
	if c.debug {
		started = append(started, InputKey.Field(prompt))
	}
	capitan.Info(ctx, ChainRunStarted, started...)

	if len(c.nodes) == 0 {
		resp := Failure(KindChain, ErrEmptyChain)
		c.emitFailed(ctx, runID, "", resp)
		return resp, Trace{RunID: runID}
	}

	state := &runState{runID: runID, prompt: prompt, index: -1}
	_, err := c.pipeline.Process(ctx, state)

	resp, trace := state.finish(err)
	trace.Latency = c.clock.Now().Sub(start)

	if resp.Error {
		c.emitFailed(ctx, runID, state.failedNode(), resp)
		return resp, trace
	}

	completed := []capitan.Field{
		RunIDKey.Field(runID),
		NodeCountKey.Field(len(c.nodes)),
		TokensKey.Field(trace.TokensUsed),
		DurationMsKey.Field(int(trace.Latency.Milliseconds())),
	}
	if c.debug {
		completed = append(completed, OutputKey.Field(resp.Content))
	}
	capitan.Info(ctx, ChainRunCompleted, completed...)
	return resp, trace
}

func (*Chain) emitFailed(ctx context.Context, runID, node string, resp Response) {
	capitan.Error(ctx, ChainRunFailed,
		RunIDKey.Field(runID),
		NodeNameKey.Field(node),
		ErrorKey.Field(resp.ErrorMessage),
		ErrorKindKey.Field(string(resp.Kind)),
	)
}

// stage builds the pipz processor for node n at position index.
// Fallbacks and wrappers are applied in that order, outermost last.
func (c *Chain) stage(index int, n *Node) pipz.Chainable[*runState] {
	stage := c.call(index, n, n.provider)
	for _, fb := range n.fallbacks {
		stage = pipz.NewFallback("fallback", stage, c.call(index, n, fb))
	}
	for _, w := range n.wrappers {
		stage = w(stage)
	}
	return stage
}

func (c *Chain) call(index int, n *Node, provider Provider) pipz.Chainable[*runState] {
	return pipz.Apply("node", func(ctx context.Context, s *runState) (*runState, error) {
		input := s.begin(index)
		started := c.clock.Now()
		resp := n.send(ctx, provider, input)
		elapsed := c.clock.Now().Sub(started)

		step := Step{
			Index:        index,
			Node:         n.name,
			Input:        input,
			Output:       resp.Content,
			TokensUsed:   resp.TokensUsed,
			Latency:      elapsed,
			Error:        resp.Error,
			ErrorMessage: resp.ErrorMessage,
		}
		if !s.record(step, resp) {
			return s, context.DeadlineExceeded
		}
		if c.debug {
			c.emitStep(ctx, s.runID, step, resp)
		}
		if resp.Error {
			return s, errNodeFailed
		}
		return s, nil
	})
}

func (*Chain) emitStep(ctx context.Context, runID string, step Step, resp Response) {
	fields := []capitan.Field{
		RunIDKey.Field(runID),
		NodeNameKey.Field(step.Node),
		NodeIndexKey.Field(step.Index),
		InputKey.Field(step.Input),
		DurationMsKey.Field(int(step.Latency.Milliseconds())),
	}
	if resp.Error {
		fields = append(fields,
			ErrorKey.Field(resp.ErrorMessage),
			ErrorKindKey.Field(string(resp.Kind)),
		)
		capitan.Error(ctx, NodeFailed, fields...)
		return
	}
	fields = append(fields,
		OutputKey.Field(resp.Content),
		TokensKey.Field(resp.TokensUsed),
	)
	capitan.Info(ctx, NodeCompleted, fields...)
}

// runState flows through the pipz sequence for a single run.
// Stages may outlive the run when a timeout wrapper gives up on them, so every
// access goes through mu and late records are dropped once the run is finished.
type runState struct {
	mu       sync.Mutex
	runID    string
	prompt   string // input for the next stage
	index    int    // index of the stage currently executing
	last     Response
	steps    []Step
	finished bool
}

func (s *runState) begin(index int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = index
	return s.prompt
}

// record stores the outcome of one attempt. Retries and fallbacks for the same
// index overwrite the previous attempt. It reports false if the run already finished.
func (s *runState) record(step Step, resp Response) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	if n := len(s.steps); n > 0 && s.steps[n-1].Index == step.Index {
		s.steps[n-1] = step
	} else {
		s.steps = append(s.steps, step)
	}
	s.last = resp
	if !resp.Error {
		s.prompt = resp.Content
	}
	return true
}

func (s *runState) failedNode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.steps); n > 0 && s.steps[n-1].Error {
		return s.steps[n-1].Node
	}
	return ""
}

// finish seals the state and resolves the run's Response.
func (s *runState) finish(err error) (Response, Trace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true

	trace := Trace{RunID: s.runID, Steps: make([]Step, len(s.steps))}
	copy(trace.Steps, s.steps)
	for _, st := range s.steps {
		trace.TokensUsed += st.TokensUsed
	}

	if err == nil {
		return s.last, trace
	}
	// The failing node recorded its own error Response: forward it untouched.
	if n := len(s.steps); n > 0 && s.last.Error && s.steps[n-1].Index == s.index {
		return s.last, trace
	}
	// The run stopped for a reason no node reported (timeout, open circuit, cancellation).
	return Failure(KindChain, err.Error()), trace
}
