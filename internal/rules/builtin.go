package rules

import "github.com/sgerhart/aegisflux/backend/alertengine/internal/model"

const apiVersion = "alertengine/v1"

// BuiltinRules is the catalog used when no rules directory is present
func BuiltinRules() []Rule {
	offHours := false

	return []Rule{
		{
			APIVersion: apiVersion,
			Kind:       "CorrelationRule",
			Metadata:   RuleMetadata{ID: "brute-force-success", Name: "Brute Force Success", Version: "1.0.0"},
			Spec: RuleSpec{
				Enabled:          true,
				Description:      "Repeated failed logins followed by a successful login",
				Severity:         model.SeverityHigh,
				Score:            80,
				Sequenced:        true,
				NotificationType: model.NotificationAuth,
				Patterns: []PatternSpec{
					{EventType: "failed_login", MinCount: 3, TimeWindowMinutes: 10},
					{EventType: "successful_login", MinCount: 1, TimeWindowMinutes: 5},
				},
			},
		},
		{
			APIVersion: apiVersion,
			Kind:       "CorrelationRule",
			Metadata:   RuleMetadata{ID: "coordinated-file-tampering", Name: "Coordinated File Tampering", Version: "1.0.0"},
			Spec: RuleSpec{
				Enabled:          true,
				Description:      "File integrity violations on several distinct hosts",
				Severity:         model.SeverityCritical,
				Score:            90,
				NotificationType: model.NotificationFileIntegrity,
				Patterns: []PatternSpec{
					{EventType: "file_integrity_violation", MinCount: 3, TimeWindowMinutes: 30, RequiresUniqueSources: true},
				},
			},
		},
		{
			APIVersion: apiVersion,
			Kind:       "CorrelationRule",
			Metadata:   RuleMetadata{ID: "off-hours-privileged-action", Name: "Off-Hours Privileged Action", Version: "1.0.0"},
			Spec: RuleSpec{
				Enabled:          true,
				Description:      "Privileged action performed outside business hours",
				Severity:         model.SeverityMedium,
				Score:            60,
				NotificationType: model.NotificationAlert,
				Patterns: []PatternSpec{
					{EventType: "privileged_action", MinCount: 1, TimeWindowMinutes: 60, ExcludesBusinessHours: &offHours},
				},
			},
		},
		{
			APIVersion: apiVersion,
			Kind:       "CorrelationRule",
			Metadata:   RuleMetadata{ID: "recon-then-malware", Name: "Reconnaissance Followed By Malware", Version: "1.0.0"},
			Spec: RuleSpec{
				Enabled:          true,
				Description:      "Port scanning followed by a malware detection",
				Severity:         model.SeverityCritical,
				Score:            95,
				Sequenced:        true,
				NotificationType: model.NotificationThreat,
				Patterns: []PatternSpec{
					{EventType: "port_scan", MinCount: 1, TimeWindowMinutes: 60},
					{EventType: "malware_detected", MinCount: 1, TimeWindowMinutes: 30},
				},
			},
		},
	}
}
