package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/haasonsaas/fingate/internal/provider"
	"github.com/haasonsaas/fingate/internal/tools/finance"
)

func TestPortfolioGatedBeforeAuthentication(t *testing.T) {
	h := newHarness(t, Config{})

	r := h.dispatcher.Dispatch(context.Background(), "u1", finance.AnalyzePortfolio, nil)
	expectCode(t, r, CodeAuthenticationRequired)
	if h.transport.callCount() != 0 {
		t.Fatal("composite reached the transport before authentication")
	}
}

func TestPortfolioReportsEveryMember(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrency: 2})
	h.authenticate(t, "u1")
	h.transport.setHandler(func(_ context.Context, call provider.ToolCall) (json.RawMessage, error) {
		switch call.Method {
		case "fetch_mf_transactions":
			return nil, &provider.RemoteError{Code: -32000, Message: "no mutual funds linked"}
		case "fetch_epf_details":
			return nil, fmt.Errorf("%w: 503", provider.ErrUnavailable)
		}
		return json.RawMessage(fmt.Sprintf(`{"method":%q}`, call.Method)), nil
	})

	r := h.dispatcher.Dispatch(context.Background(), "u1", finance.AnalyzePortfolio, userArgs(t, "u1"))
	if !r.OK {
		t.Fatalf("composite failed: %+v", r.Error)
	}

	var report struct {
		Results   map[string]Result `json:"results"`
		Succeeded int               `json:"succeeded"`
		Failed    int               `json:"failed"`
	}
	if err := json.Unmarshal(r.Data, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if len(report.Results) != len(finance.PortfolioMembers) {
		t.Fatalf("report has %d members, want %d", len(report.Results), len(finance.PortfolioMembers))
	}
	if report.Succeeded != 2 || report.Failed != 2 {
		t.Errorf("succeeded=%d failed=%d", report.Succeeded, report.Failed)
	}

	if got := report.Results[finance.GetNetWorth]; !got.OK || string(got.Data) != `{"method":"fetch_net_worth"}` {
		t.Errorf("net worth = %+v", got)
	}
	if got := report.Results[finance.GetMutualFundTransactions]; got.OK || got.Error.Code != CodeRemoteError || got.Error.Message != "no mutual funds linked" {
		t.Errorf("mutual funds = %+v", got)
	}
	if got := report.Results[finance.GetEpfDetails]; got.OK || got.Error.Code != CodeRemoteUnavailable {
		t.Errorf("epf = %+v", got)
	}
	if !h.store.IsAuthenticated("u1") {
		t.Fatal("member failures must not touch the session")
	}
}

func TestPortfolioMemberUnauthorizedDemotes(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrency: 1})
	h.authenticate(t, "u1")
	h.transport.setHandler(func(_ context.Context, call provider.ToolCall) (json.RawMessage, error) {
		if call.Method == "fetch_net_worth" {
			return nil, provider.ErrUnauthorized
		}
		return json.RawMessage(`{}`), nil
	})

	r := h.dispatcher.Dispatch(context.Background(), "u1", finance.AnalyzePortfolio, nil)
	if !r.OK {
		t.Fatalf("composite failed: %+v", r.Error)
	}
	var report portfolioReport
	if err := json.Unmarshal(r.Data, &report); err != nil {
		t.Fatal(err)
	}
	if got := report.Results[finance.GetNetWorth]; got == nil || got.OK || got.Error.Code != CodeAuthenticationRequired {
		t.Errorf("net worth = %+v", got)
	}
	if len(report.Results) != len(finance.PortfolioMembers) {
		t.Errorf("report has %d members", len(report.Results))
	}
	if h.store.IsAuthenticated("u1") {
		t.Fatal("rejected credential should demote the session")
	}
}
