package common

import (
	"errors"
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		mutate  func(c *ClientConfig)
		wantErr bool
	}{
		"default":           {mutate: func(c *ClientConfig) {}},
		"invalid mode":      {mutate: func(c *ClientConfig) { c.Mode = "ring" }, wantErr: true},
		"no endpoints":      {mutate: func(c *ClientConfig) { c.Transport.Endpoints = nil }, wantErr: true},
		"empty endpoint":    {mutate: func(c *ClientConfig) { c.Transport.Endpoints = []string{" "} }, wantErr: true},
		"protocol 4":        {mutate: func(c *ClientConfig) { c.Protocol = 4 }, wantErr: true},
		"resp3":             {mutate: func(c *ClientConfig) { c.Protocol = 3 }},
		"sentinel no name":  {mutate: func(c *ClientConfig) { c.Mode = ModeSentinel }, wantErr: true},
		"sentinel":          {mutate: func(c *ClientConfig) { c.Mode = ModeSentinel; c.Sentinel.MasterName = "mymaster" }},
		"negative redirect": {mutate: func(c *ClientConfig) { c.Cluster.MaxRedirects = -1 }, wantErr: true},
		"bad cross slot":    {mutate: func(c *ClientConfig) { c.Cluster.CrossSlot = "fanout" }, wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			c := DefaultClientConfig()
			tc.mutate(&c)
			err := c.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestConfigString(t *testing.T) {
	c := DefaultClientConfig()
	c.Mode = ModeCluster
	c.Password = "secret"
	s := c.String()

	for _, want := range []string{"CLUSTER", "Max Redirects", "localhost:6379", "RESP2"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() does not contain %q:\n%s", want, s)
		}
	}
	if strings.Contains(s, "secret") {
		t.Errorf("String() leaks the password:\n%s", s)
	}
}

func TestRoutingErrorIs(t *testing.T) {
	err := &RoutingError{Kind: RoutingCrossSlot, Slot: 12, Msg: "keys a, b"}
	if !errors.Is(err, ErrCrossSlot) {
		t.Errorf("expected cross slot error to match ErrCrossSlot")
	}
	if errors.Is(err, ErrRedirectsExhausted) {
		t.Errorf("cross slot error must not match ErrRedirectsExhausted")
	}
}

func TestErrorClassification(t *testing.T) {
	if !IsRetryable(errors.Join(ErrConnectionLost, errors.New("EOF"))) {
		t.Errorf("connection lost should be retryable")
	}
	if IsRetryable(ErrCanceled) {
		t.Errorf("canceled must not be retryable")
	}
	if !IsConnectionFatal(NewProtocolError("bad marker %q", '?')) {
		t.Errorf("protocol errors are connection fatal")
	}
	if !IsAuthError(&ServerError{Msg: "WRONGPASS invalid username-password pair"}) {
		t.Errorf("WRONGPASS should be an auth error")
	}
	if IsAuthError(&ServerError{Msg: "ERR unknown command"}) {
		t.Errorf("ERR unknown command is not an auth error")
	}
	if got := (&ServerError{Msg: "MOVED 3999 127.0.0.1:6381"}).Prefix(); got != "MOVED" {
		t.Errorf("Prefix() = %q", got)
	}
}
