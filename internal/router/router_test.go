package router

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/rogers-f/criticality/internal/domain"
	"github.com/rogers-f/criticality/internal/escalation"
)

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("provider scripts need sh")
	}
}

func shellProvider(tier escalation.ModelTier, script string) ProviderSpec {
	return ProviderSpec{Tier: tier, Command: "sh", Args: []string{"-c", script}}
}

func newRouter(t *testing.T, specs ...ProviderSpec) *ProcessRouter {
	t.Helper()
	reg := NewProviderRegistry()
	for _, s := range specs {
		if err := reg.Register(s); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	return NewProcessRouter(reg, nil)
}

func TestProviderRegistry_RegisterAndGet(t *testing.T) {
	reg := NewProviderRegistry()
	spec := ProviderSpec{
		Tier:    escalation.TierWorker,
		Command: "worker-model",
		Args:    []string{"--json"},
		Env:     map[string]string{"KEY": "VAL"},
	}
	if err := reg.Register(spec); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := reg.Get(escalation.TierWorker)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Command != "worker-model" {
		t.Errorf("Command = %q, want %q", got.Command, "worker-model")
	}
	if got.Env["KEY"] != "VAL" {
		t.Errorf("Env[KEY] = %q, want %q", got.Env["KEY"], "VAL")
	}
}

func TestProviderRegistry_RegisterDuplicate(t *testing.T) {
	reg := NewProviderRegistry()
	spec := ProviderSpec{Tier: escalation.TierFallback, Command: "fallback-model"}

	if err := reg.Register(spec); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := reg.Register(spec); !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Errorf("err = %v, want ErrProviderUnavailable", err)
	}
}

func TestProviderRegistry_UnknownTier(t *testing.T) {
	reg := NewProviderRegistry()
	if err := reg.Register(ProviderSpec{Tier: "intern", Command: "x"}); err == nil {
		t.Error("expected error for unknown tier")
	}
	if _, err := reg.Get(escalation.TierArchitect); !errors.Is(err, domain.ErrTierUnavailable) {
		t.Errorf("err = %v, want ErrTierUnavailable", err)
	}
}

func TestProviderRegistry_TiersOrdered(t *testing.T) {
	reg := NewProviderRegistry()
	for _, tier := range []escalation.ModelTier{escalation.TierArchitect, escalation.TierWorker, escalation.TierFallback} {
		if err := reg.Register(ProviderSpec{Tier: tier, Command: "x"}); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	got := reg.Tiers()
	want := escalation.AllTiers()
	if len(got) != len(want) {
		t.Fatalf("Tiers = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Tiers[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestParseOutput(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		want    string
		wantErr bool
	}{
		{"result", `{"type":"result","text":"func f() {}"}`, "func f() {}", false},
		{"deltas", "{\"type\":\"delta\",\"text\":\"a\"}\nnoise\n{\"type\":\"delta\",\"text\":\"b\"}\n", "ab", false},
		{"result wins", "{\"type\":\"delta\",\"text\":\"draft\"}\n{\"type\":\"result\",\"text\":\"final\"}\n", "final", false},
		{"error event", `{"type":"error","text":"quota"}`, "", true},
		{"empty", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseOutput([]byte(tt.out))
			if tt.wantErr {
				if !errors.Is(err, domain.ErrModelInvalidOutput) {
					t.Errorf("err = %v, want ErrModelInvalidOutput", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseOutput: %v", err)
			}
			if got != tt.want {
				t.Errorf("text = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProcessRouter_Prompt(t *testing.T) {
	skipWithoutShell(t)
	// Echo the prompt field back as the result.
	script := `read line; printf '{"type":"delta","text":"ignored"}\n'; printf '{"type":"result","text":%s}\n' "$(printf '%s' "$line" | sed 's/.*"prompt":\("[^"]*"\).*/\1/')"`
	r := newRouter(t, shellProvider(escalation.TierWorker, script))

	resp, err := r.Prompt(context.Background(), escalation.TierWorker, "write fold", time.Second*10)
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if resp.Text != "write fold" {
		t.Errorf("Text = %q, want %q", resp.Text, "write fold")
	}
	if resp.Tier != escalation.TierWorker {
		t.Errorf("Tier = %s, want worker", resp.Tier)
	}
}

func TestProcessRouter_Env(t *testing.T) {
	skipWithoutShell(t)
	spec := shellProvider(escalation.TierArchitect, `cat >/dev/null; printf '{"type":"result","text":"%s"}\n' "$MODEL"`)
	spec.Env = map[string]string{"MODEL": "big"}
	r := newRouter(t, spec)

	resp, err := r.Complete(context.Background(), Request{Tier: escalation.TierArchitect, Prompt: "x"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "big" {
		t.Errorf("Text = %q, want big", resp.Text)
	}
}

func TestProcessRouter_Timeout(t *testing.T) {
	skipWithoutShell(t)
	r := newRouter(t, shellProvider(escalation.TierWorker, "exec sleep 5"))

	_, err := r.Prompt(context.Background(), escalation.TierWorker, "slow", 50*time.Millisecond)
	if !errors.Is(err, domain.ErrModelTimeout) {
		t.Errorf("err = %v, want ErrModelTimeout", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded in chain", err)
	}
}

func TestProcessRouter_ProviderFails(t *testing.T) {
	skipWithoutShell(t)
	r := newRouter(t, shellProvider(escalation.TierWorker, "echo broken >&2; exit 3"))

	_, err := r.Prompt(context.Background(), escalation.TierWorker, "x", time.Second*10)
	if !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Errorf("err = %v, want ErrProviderUnavailable", err)
	}
}

func TestProcessRouter_UnregisteredTier(t *testing.T) {
	r := newRouter(t)
	_, err := r.Prompt(context.Background(), escalation.TierFallback, "x", 0)
	if !errors.Is(err, domain.ErrTierUnavailable) {
		t.Errorf("err = %v, want ErrTierUnavailable", err)
	}
}
