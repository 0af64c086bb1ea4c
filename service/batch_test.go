package service

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/use-agent/streamprobe/models"
	"github.com/use-agent/streamprobe/webhook"
)

func fakeProbe(fail map[string]bool) probeFunc {
	return func(ctx context.Context, req Request) (*Result, error) {
		if strings.HasPrefix(req.URL, "bad") {
			return nil, models.NewExtractError(models.ErrCodeInvalidInput, "url is malformed", nil)
		}
		if fail[req.URL] {
			ee := models.NewExtractError(models.ErrCodeNoStreams, "No streams found", nil)
			return &Result{ExtractionResult: &models.ExtractionResult{TargetURL: req.URL, Error: ee.ToDetail()}}, ee
		}
		return &Result{ExtractionResult: &models.ExtractionResult{Success: true, TargetURL: req.URL}}, nil
	}
}

func TestBatches_StatusAndOrder(t *testing.T) {
	tests := []struct {
		name       string
		urls       []string
		fail       map[string]bool
		wantStatus string
	}{
		{"all ok", []string{"https://a.com/1", "https://b.com/2"}, nil, models.BatchCompleted},
		{"partial", []string{"https://a.com/1", "https://b.com/2"}, map[string]bool{"https://b.com/2": true}, models.BatchPartial},
		{"all failed", []string{"bad-1", "https://c.com/3"}, map[string]bool{"https://c.com/3": true}, models.BatchFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBatches(fakeProbe(tt.fail), nil, time.Hour, time.Now)
			defer b.Stop()

			resp := b.Submit(models.BatchRequest{URLs: tt.urls})
			if resp.Status != models.BatchProcessing || resp.Total != len(tt.urls) {
				t.Fatalf("Submit() = %+v", resp)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if !b.Wait(ctx, resp.ID) {
				t.Fatal("job did not finish")
			}

			st, ok := b.Get(resp.ID)
			if !ok {
				t.Fatal("job not found")
			}
			if st.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", st.Status, tt.wantStatus)
			}
			if st.Completed != len(tt.urls) {
				t.Errorf("completed = %d", st.Completed)
			}
			for i, u := range tt.urls {
				if st.Results[i] == nil || st.Results[i].TargetURL != u {
					t.Errorf("result %d = %+v, want target %q", i, st.Results[i], u)
				}
			}
		})
	}
}

func TestBatches_InvalidURLCarriesError(t *testing.T) {
	b := newBatches(fakeProbe(nil), nil, time.Hour, time.Now)
	defer b.Stop()

	resp := b.Submit(models.BatchRequest{URLs: []string{"bad-url"}})
	b.Wait(context.Background(), resp.ID)
	st, _ := b.Get(resp.ID)

	r := st.Results[0]
	if r.Success || r.Error == nil || r.Error.Code != models.ErrCodeInvalidInput {
		t.Errorf("result = %+v", r)
	}
}

func TestBatches_Webhook(t *testing.T) {
	got := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- r
		bodies <- body
	}))
	defer srv.Close()

	b := newBatches(fakeProbe(nil), webhook.NewSender([]time.Duration{time.Millisecond}), time.Hour, time.Now)
	defer b.Stop()

	b.Submit(models.BatchRequest{
		URLs:          []string{"https://a.com/1"},
		WebhookURL:    srv.URL,
		WebhookSecret: "k",
	})

	select {
	case r := <-got:
		body := <-bodies
		if sig := r.Header.Get(webhook.SignatureHeader); sig != webhook.Sign("k", body) {
			t.Errorf("signature = %q", sig)
		}
		if !strings.Contains(string(body), `"batch.completed"`) {
			t.Errorf("body = %s", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not delivered")
	}
}

func TestBatches_Prune(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := newBatches(fakeProbe(nil), nil, time.Hour, func() time.Time { return now })
	defer b.Stop()

	resp := b.Submit(models.BatchRequest{URLs: []string{"https://a.com/1"}})
	b.Wait(context.Background(), resp.ID)

	if n := b.prune(); n != 0 {
		t.Errorf("prune() = %d before TTL", n)
	}
	now = now.Add(2 * time.Hour)
	if n := b.prune(); n != 1 {
		t.Errorf("prune() = %d after TTL, want 1", n)
	}
	if _, ok := b.Get(resp.ID); ok {
		t.Error("expired job still visible")
	}
}
