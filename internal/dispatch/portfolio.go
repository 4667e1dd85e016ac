package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/haasonsaas/fingate/internal/tools/finance"
)

// portfolioReport is the payload of a composite call. It reports every
// member's outcome; the composite itself only fails on the initial gate.
type portfolioReport struct {
	Results   map[string]*Result `json:"results"`
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
}

// fanOut calls every member of a composite tool concurrently and collects
// each outcome independently.
func (d *Dispatcher) fanOut(ctx context.Context, userID string, tool finance.Tool) (json.RawMessage, error) {
	if _, ok := d.flow.Authorized(userID); !ok {
		return nil, ErrAuthenticationRequired
	}

	members := tool.Members()
	report := portfolioReport{Results: make(map[string]*Result, len(members))}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, d.config.MaxConcurrency)

	for _, name := range members {
		member, ok := finance.Lookup(name)
		if !ok {
			report.Results[name] = Failure(ErrUnknownFunction)
			report.Failed++
			continue
		}

		wg.Add(1)
		go func(member finance.Tool) {
			defer wg.Done()
			var result *Result
			select {
			case sem <- struct{}{}:
				result = d.runMember(ctx, userID, member)
				<-sem
			case <-ctx.Done():
				result = Failure(ctx.Err())
			}

			mu.Lock()
			defer mu.Unlock()
			report.Results[member.Name()] = result
			if result.OK {
				report.Succeeded++
			} else {
				report.Failed++
			}
		}(member)
	}
	wg.Wait()

	d.logger.InfoContext(ctx, "portfolio analysis finished",
		"succeeded", report.Succeeded,
		"failed", report.Failed,
	)
	return json.Marshal(report)
}

func (d *Dispatcher) runMember(ctx context.Context, userID string, member finance.Tool) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Failure(fmt.Errorf("internal error while running %s", member.Name()))
			d.logger.ErrorContext(ctx, "portfolio member panicked", "tool", member.Name(), "panic", fmt.Sprint(r))
		}
	}()
	payload, err := d.callRemote(ctx, userID, member, nil)
	if err != nil {
		return Failure(err)
	}
	return Success(payload)
}
