package commands

// Markers printed in front of status lines
const (
	symPulse  = "꩜"
	symSource = "⛁"
	symDS     = "⨳"
	symAgent  = "⌬"
	symAM     = "≡"
)
