// ABOUTME: Generators for a Prometheus alerting-rule group and a Grafana dashboard covering the registered SLOs.
// ABOUTME: Output targets an external Prometheus/Grafana stack; nothing here evaluates rules itself.
package slo

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// AlertRule is one Prometheus alerting rule.
type AlertRule struct {
	Alert       string            `yaml:"alert"`
	Expr        string            `yaml:"expr"`
	For         string            `yaml:"for"`
	Labels      map[string]string `yaml:"labels"`
	Annotations map[string]string `yaml:"annotations"`
}

// RuleGroup is a Prometheus rule group.
type RuleGroup struct {
	Name  string      `yaml:"name"`
	Rules []AlertRule `yaml:"rules"`
}

// RuleFile is the top-level Prometheus rules document.
type RuleFile struct {
	Groups []RuleGroup `yaml:"groups"`
}

// AlertRules builds one warning and one critical rule per registered SLO,
// keyed off the exported skein_slo_* gauges.
func (m *Monitor) AlertRules() RuleFile {
	var rules []AlertRule
	for _, slo := range m.SLOs() {
		rules = append(rules,
			AlertRule{
				Alert: fmt.Sprintf("SLOBudgetWarning_%s", slo.Name),
				Expr:  fmt.Sprintf(`skein_slo_error_budget_remaining{slo=%q} < %g`, slo.Name, slo.ErrorBudget*0.2),
				For:   "5m",
				Labels: map[string]string{
					"severity": string(SeverityWarning),
					"slo":      slo.Name,
				},
				Annotations: map[string]string{
					"summary":     fmt.Sprintf("%s error budget below 20%%", slo.Name),
					"description": fmt.Sprintf("SLO %s on metric %s is burning its error budget.", slo.Name, slo.MetricName),
				},
			},
			AlertRule{
				Alert: fmt.Sprintf("SLOViolation_%s", slo.Name),
				Expr:  fmt.Sprintf(`skein_slo_passing{slo=%q} == 0`, slo.Name),
				For:   "1m",
				Labels: map[string]string{
					"severity": string(SeverityCritical),
					"slo":      slo.Name,
				},
				Annotations: map[string]string{
					"summary":     fmt.Sprintf("%s is violating its objective", slo.Name),
					"description": fmt.Sprintf("SLO %s (target %g, %s) is failing.", slo.Name, slo.Target, slo.Direction),
				},
			},
		)
	}
	return RuleFile{Groups: []RuleGroup{{Name: "skein-slo", Rules: rules}}}
}

// GenerateAlertRules renders the rule file as Prometheus rules YAML.
func (m *Monitor) GenerateAlertRules() ([]byte, error) {
	out, err := yaml.Marshal(m.AlertRules())
	if err != nil {
		return nil, fmt.Errorf("marshal alert rules: %w", err)
	}
	return out, nil
}

// dashboardPanel is the subset of Grafana's panel schema we emit.
type dashboardPanel struct {
	ID      int              `json:"id"`
	Title   string           `json:"title"`
	Type    string           `json:"type"`
	Targets []dashboardQuery `json:"targets"`
	GridPos map[string]int   `json:"gridPos"`
}

type dashboardQuery struct {
	Expr         string `json:"expr"`
	LegendFormat string `json:"legendFormat"`
	RefID        string `json:"refId"`
}

type dashboard struct {
	Title         string           `json:"title"`
	UID           string           `json:"uid"`
	Timezone      string           `json:"timezone"`
	SchemaVersion int              `json:"schemaVersion"`
	Refresh       string           `json:"refresh"`
	Time          map[string]string `json:"time"`
	Panels        []dashboardPanel `json:"panels"`
}

// GenerateDashboard renders a Grafana dashboard JSON with one actual-vs-
// budget panel per registered SLO plus a passing overview.
func (m *Monitor) GenerateDashboard() ([]byte, error) {
	slos := m.SLOs()
	panels := []dashboardPanel{{
		ID:    1,
		Title: "SLO compliance",
		Type:  "stat",
		Targets: []dashboardQuery{{
			Expr:         "skein_slo_passing",
			LegendFormat: "{{slo}}",
			RefID:        "A",
		}},
		GridPos: map[string]int{"h": 6, "w": 24, "x": 0, "y": 0},
	}}

	for i, slo := range slos {
		panels = append(panels, dashboardPanel{
			ID:    i + 2,
			Title: fmt.Sprintf("%s (target %g)", slo.Name, slo.Target),
			Type:  "timeseries",
			Targets: []dashboardQuery{
				{
					Expr:         fmt.Sprintf(`skein_slo_actual{slo=%q}`, slo.Name),
					LegendFormat: "actual",
					RefID:        "A",
				},
				{
					Expr:         fmt.Sprintf(`skein_slo_error_budget_remaining{slo=%q}`, slo.Name),
					LegendFormat: "budget remaining",
					RefID:        "B",
				},
			},
			GridPos: map[string]int{"h": 8, "w": 12, "x": (i % 2) * 12, "y": 6 + (i/2)*8},
		})
	}

	doc := dashboard{
		Title:         "Skein SLOs",
		UID:           "skein-slo",
		Timezone:      "utc",
		SchemaVersion: 39,
		Refresh:       (30 * time.Second).String(),
		Time:          map[string]string{"from": "now-6h", "to": "now"},
		Panels:        panels,
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal dashboard: %w", err)
	}
	return out, nil
}
