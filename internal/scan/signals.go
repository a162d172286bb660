package scan

import "strings"

// DeriveSignals computes compliance signals from raw probe output. It is a
// pure function: identical inputs always yield identical signals.
func DeriveSignals(targetURL string, m PageMetrics) ComplianceSignals {
	ratio := 0.0
	if m.Images > 0 {
		ratio = float64(m.ImagesWithoutAlt) / float64(m.Images)
	}
	return ComplianceSignals{
		HasTitle:            strings.TrimSpace(m.Title) != "",
		HasViewport:         m.HasViewport,
		UsesHTTPS:           strings.HasPrefix(strings.ToLower(targetURL), "https://"),
		MissingAltRatio:     ratio,
		ImageAltOK:          m.ImagesWithoutAlt == 0,
		HasHeadings:         m.Headings > 0,
		InteractiveElements: m.Buttons + m.Inputs + m.Links,
	}
}
