package types

// HeadChangeTopic is the topic chain head updates are published on.
const HeadChangeTopic = "headchange"

const (
	HCRevert  = "revert"
	HCApply   = "apply"
	HCCurrent = "current"
)

// HeadChange represents a change to the chain head: the previous chain
// suffix is reverted and the new one applied.
type HeadChange struct {
	Type string
	Val  *TipSet
}
