package styles

// Status icons used by doctor and run summaries.
var (
	IconPass = "✔"
	IconWarn = "!"
	IconFail = "✘"
	IconSkip = "-"
)

// StatusIcon returns the styled icon for a doctor or evidence status.
func StatusIcon(status string) string {
	switch status {
	case "pass", "ok":
		return PassStyle.Render(IconPass)
	case "warn", "partial":
		return WarnStyle.Render(IconWarn)
	case "skipped":
		return WarnStyle.Render(IconSkip)
	default:
		return FailStyle.Render(IconFail)
	}
}
