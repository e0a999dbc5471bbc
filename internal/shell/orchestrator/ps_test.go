package orchestrator

import (
	"testing"

	"github.com/artpar/dockship/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePS(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    []domain.ServiceStatus
		wantErr bool
	}{
		{
			name:   "empty",
			output: "",
			want:   nil,
		},
		{
			name: "one object per line",
			output: `{"Service":"web","Name":"app-web-1","State":"exited","Status":"Exited (1) 3 seconds ago"}
{"Service":"bot","Name":"app-bot-1","State":"running","Status":"Up 4 seconds","Health":""}
`,
			want: []domain.ServiceStatus{
				{Service: "bot", Container: "app-bot-1", State: "running", Healthy: true, Status: "Up 4 seconds"},
				{Service: "web", Container: "app-web-1", State: "exited", Status: "Exited (1) 3 seconds ago"},
			},
		},
		{
			name:   "json array",
			output: `[{"Service":"bot","Name":"app-bot-1","State":"running","Status":"Up 1 second","Health":"starting"}]`,
			want: []domain.ServiceStatus{
				{Service: "bot", Container: "app-bot-1", State: "running", Health: "starting", Healthy: false, Status: "Up 1 second"},
			},
		},
		{
			name:   "state missing, derived from status",
			output: `{"Service":"bot","Name":"app-bot-1","Status":"Up 2 minutes (unhealthy)"}`,
			want: []domain.ServiceStatus{
				{Service: "bot", Container: "app-bot-1", State: "running", Health: "unhealthy", Healthy: false, Status: "Up 2 minutes (unhealthy)"},
			},
		},
		{
			name:    "garbage",
			output:  "not json",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePS(tt.output)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHealthFromStatus(t *testing.T) {
	assert.Equal(t, "healthy", healthFromStatus("Up 3 minutes (healthy)"))
	assert.Equal(t, "unhealthy", healthFromStatus("Up 3 minutes (unhealthy)"))
	assert.Equal(t, "starting", healthFromStatus("Up 1 second (health: starting)"))
	assert.Equal(t, "", healthFromStatus("Exited (0) 2 hours ago"))
}

func TestLastLines(t *testing.T) {
	assert.Equal(t, "c\nd", lastLines("a\nb\nc\nd\n", 2))
	assert.Equal(t, "a", lastLines("a\n", 5))
	assert.Equal(t, "", lastLines("", 5))
	assert.Equal(t, "", lastLines("a\nb", 0))
}
