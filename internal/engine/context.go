package engine

import (
	"context"
	"time"

	"github.com/gxo-labs/flowcore/internal/retry"
)

// NodeInfo describes the node whose body is executing.
type NodeInfo struct {
	RunID    string
	FlowName string
	TaskName string
	NodeID   string
	MapIndex int
	Attempt  int
}

type nodeInfoKey struct{}
type holderKey struct{}
type runKey struct{}

// NodeFromContext returns the node a task body runs as. ok is false outside
// of a task body.
func NodeFromContext(ctx context.Context) (NodeInfo, bool) {
	info, ok := ctx.Value(nodeInfoKey{}).(NodeInfo)
	return info, ok
}

func withNodeInfo(ctx context.Context, info NodeInfo) context.Context {
	return context.WithValue(ctx, nodeInfoKey{}, info)
}

// RunFromContext returns the flow run a context belongs to, if any.
func RunFromContext(ctx context.Context) (*FlowRun, bool) {
	fr, ok := ctx.Value(runKey{}).(*FlowRun)
	return fr, ok
}

// processor is the single execution token of a cooperative flow run.
type processor struct {
	token chan struct{}
}

func newProcessor() *processor {
	return &processor{token: make(chan struct{}, 1)}
}

// holder is one goroutine's claim on a processor. A nil holder belongs to a
// run that does not multiplex its nodes and every method is a no-op.
type holder struct {
	p *processor
}

func (h *holder) acquire() {
	if h == nil {
		return
	}
	h.p.token <- struct{}{}
}

func (h *holder) release() {
	if h == nil {
		return
	}
	<-h.p.token
}

func withHolder(ctx context.Context, h *holder) context.Context {
	return context.WithValue(ctx, holderKey{}, h)
}

func holderFrom(ctx context.Context) *holder {
	h, _ := ctx.Value(holderKey{}).(*holder)
	return h
}

// blockOn runs fn, a blocking wait, without holding the caller's processor
// token so other coroutines of a cooperative run may proceed meanwhile.
func blockOn(ctx context.Context, fn func()) {
	h := holderFrom(ctx)
	h.release()
	defer h.acquire()
	fn()
}

// Sleep waits for d or until ctx is done. Inside a cooperative run it yields
// the processor while sleeping.
func Sleep(ctx context.Context, d time.Duration) error {
	var err error
	blockOn(ctx, func() { err = retry.SleepContext(ctx, d) })
	return err
}

// Yield lets other coroutines of a cooperative run take the processor. It is
// a no-op under the sequential and parallel models.
func Yield(ctx context.Context) {
	blockOn(ctx, func() {})
}
