package observability

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/odyssey-erp/gatekeeper/internal/auth"
	jobmetrics "github.com/odyssey-erp/gatekeeper/internal/jobs"
)

type alertFile struct {
	Groups []struct {
		Name  string `yaml:"name"`
		Rules []struct {
			Alert       string            `yaml:"alert"`
			Expr        string            `yaml:"expr"`
			For         string            `yaml:"for"`
			Labels      map[string]string `yaml:"labels"`
			Annotations map[string]string `yaml:"annotations"`
		} `yaml:"rules"`
	} `yaml:"groups"`
}

var metricName = regexp.MustCompile(`gatekeeper_[a-z_]+`)

func repoFile(t *testing.T, parts ...string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(append([]string{"..", ".."}, parts...)...))
	require.NoError(t, err)
	return data
}

// exportedNames returns every metric family the service exposes once each
// vector has at least one child.
func exportedNames(t *testing.T) map[string]bool {
	t.Helper()
	m := NewMetrics()
	m.RecordAuth("login", auth.OutcomeFailure)
	m.Middleware(http.NotFoundHandler()).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	jobs := jobmetrics.NewMetrics(m.Registerer())
	_ = jobs.Track("mail:send").End(os.ErrClosed)
	jobs.AddPurged(1)
	families, err := m.reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestGatekeeperAlertRules(t *testing.T) {
	var file alertFile
	require.NoError(t, yaml.Unmarshal(repoFile(t, "deploy", "prometheus", "alerts", "gatekeeper.yml"), &file))
	require.Len(t, file.Groups, 1)
	require.Equal(t, "gatekeeper", file.Groups[0].Name)

	runbook := string(repoFile(t, "docs", "runbook.md"))
	exported := exportedNames(t)

	want := map[string]string{
		"LoginFailureSpike":   "warning",
		"HighErrorRate":       "critical",
		"MailDeliveryFailing": "warning",
	}
	rules := file.Groups[0].Rules
	require.Len(t, rules, len(want))

	for _, rule := range rules {
		t.Run(rule.Alert, func(t *testing.T) {
			severity, ok := want[rule.Alert]
			require.True(t, ok, "unexpected alert")
			assert.Equal(t, severity, rule.Labels["severity"])
			assert.NotEmpty(t, rule.For)
			assert.NotEmpty(t, rule.Annotations["summary"])
			assert.NotEmpty(t, rule.Annotations["description"])

			for _, name := range metricName.FindAllString(rule.Expr, -1) {
				assert.True(t, exported[name], "expr references unexported metric %s", name)
			}

			link := rule.Annotations["runbook"]
			require.True(t, strings.HasPrefix(link, "docs/runbook.md#"), link)
			heading := strings.ReplaceAll(strings.TrimPrefix(link, "docs/runbook.md#"), "-", " ")
			assert.Contains(t, strings.ToLower(runbook), "## "+heading)
		})
	}
}
