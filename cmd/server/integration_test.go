package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nicktill/tinyapm/pkg/sdk"
	"github.com/nicktill/tinyapm/pkg/server"
	"github.com/nicktill/tinyapm/pkg/storage/memory"
	"github.com/nicktill/tinyapm/pkg/trace"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func getJSON(t *testing.T, base, path string, q url.Values, out interface{}) {
	t.Helper()
	resp, err := http.Get(base + path + "?" + q.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

// TestE2E_AgentToQuery ships transactions from the agent to a live server
// and reads the merged views back.
func TestE2E_AgentToQuery(t *testing.T) {
	for _, tc := range []struct {
		name  string
		store func(t *testing.T) server.Config
	}{
		{"memory", func(t *testing.T) server.Config {
			cfg := server.DefaultConfig()
			cfg.InMemory = true
			return cfg
		}},
		{"badger", func(t *testing.T) server.Config {
			cfg := server.DefaultConfig()
			cfg.DataDir = t.TempDir()
			return cfg
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.store(t)
			cfg.SlowThreshold = 10 * time.Millisecond
			s, err := server.New(cfg, zaptest.NewLogger(t))
			require.NoError(t, err)
			ts := httptest.NewServer(s.Handler())
			defer ts.Close()

			client, err := sdk.New(sdk.ClientConfig{
				Service:    "e2e",
				Endpoint:   ts.URL + "/v1/ingest",
				FlushEvery: time.Hour,
			})
			require.NoError(t, err)
			require.NoError(t, client.Start(context.Background()))

			for i := 0; i < 5; i++ {
				err := client.Do(context.Background(), "Background", "sync users", func(ctx context.Context) error {
					span := trace.StartTimer(ctx, "fetch page")
					time.Sleep(15 * time.Millisecond)
					span.End()
					return nil
				})
				require.NoError(t, err)
			}
			require.NoError(t, client.Stop())
			assert.Equal(t, int64(5), client.Sent())

			// closing writes the open buckets
			require.NoError(t, s.Close(context.Background()))
			if tc.name == "badger" {
				// reopen to read what was persisted
				s, err = server.New(cfg, zaptest.NewLogger(t))
				require.NoError(t, err)
				defer s.Close(context.Background())
				ts.Close()
				ts = httptest.NewServer(s.Handler())
				defer ts.Close()
			}

			now := time.Now()
			q := url.Values{
				"type":       {"Background"},
				"start":      {now.Add(-time.Hour).Format(time.RFC3339)},
				"end":        {now.Add(2 * time.Minute).Format(time.RFC3339)},
				"resolution": {"1m"},
			}

			var timers struct {
				Result struct {
					View struct {
						TransactionCount uint64 `json:"transactionCount"`
					} `json:"view"`
				} `json:"result"`
			}
			getJSON(t, ts.URL, "/v1/aggregates/timers", q, &timers)
			assert.Equal(t, uint64(5), timers.Result.View.TransactionCount)

			var types struct {
				TransactionTypes []string `json:"transaction_types"`
			}
			getJSON(t, ts.URL, "/v1/aggregates/types", url.Values{}, &types)
			assert.Contains(t, types.TransactionTypes, "Background")
		})
	}
}

// TestE2E_SlowTraceLookup checks that a slow ingested transaction can be
// fetched by its trace ID.
func TestE2E_SlowTraceLookup(t *testing.T) {
	cfg := server.DefaultConfig()
	cfg.InMemory = true
	cfg.SlowThreshold = 5 * time.Millisecond
	s, err := server.NewWithStorage(cfg, memory.New(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close(context.Background())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	client, err := sdk.New(sdk.ClientConfig{Service: "e2e", Endpoint: ts.URL + "/v1/ingest", FlushEvery: time.Hour})
	require.NoError(t, err)
	require.NoError(t, client.Start(context.Background()))

	var id trace.TraceID
	err = client.Do(context.Background(), "Web", "GET /slow", func(ctx context.Context) error {
		id = trace.FromContext(ctx).ID()
		time.Sleep(10 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, client.Stop())

	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/v1/traces/" + string(id))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
}

func TestConfigLayers(t *testing.T) {
	t.Setenv("TINYAPM_PORT", "9999")
	t.Setenv("TINYAPM_SLOW_THRESHOLD", "750ms")
	t.Setenv("TINYAPM_CARDINALITY_LIMIT", "12")

	v := viper.New()
	cmd := &cobra.Command{}
	registerFlags(cmd)
	require.NoError(t, bindConfig(v, cmd))
	require.NoError(t, cmd.ParseFlags([]string{"--in-memory", "--port", "7070"}))

	cfg := loadConfig(v)
	assert.Equal(t, "7070", cfg.Port, "flags win over the environment")
	assert.Equal(t, 750*time.Millisecond, cfg.SlowThreshold)
	assert.Equal(t, 12, cfg.CardinalityLimit)
	assert.True(t, cfg.InMemory)
	assert.Equal(t, server.DefaultConfig().MaxMemoryMB, cfg.MaxMemoryMB)
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tinyapm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: \"6060\"\nstuck-threshold: 2m\n"), 0o600))

	v := viper.New()
	cmd := &cobra.Command{}
	registerFlags(cmd)
	require.NoError(t, bindConfig(v, cmd))
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg := loadConfig(v)
	assert.Equal(t, "6060", cfg.Port)
	assert.Equal(t, 2*time.Minute, cfg.StuckThreshold)
}

func TestNewLogger(t *testing.T) {
	_, err := newLogger("debug")
	assert.NoError(t, err)
	_, err = newLogger("loud")
	assert.Error(t, err)
}
