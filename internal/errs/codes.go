package errs

// Integer result codes used at embedding boundaries. They mirror errno style:
// zero is success, negatives are failures.
const (
	CodeOK          = 0
	CodeBadWeights  = -1
	CodeBadSize     = -2
	CodeInvariant   = -3
	CodeOutOfMemory = -4
	CodeInternal    = -5
)

// Code maps err onto a boundary result code. A nil error is CodeOK.
func Code(err error) int {
	if err == nil {
		return CodeOK
	}
	switch KindOf(err) {
	case KindInvalidWeights, KindUnsupportedAlgorithm, KindSerialization:
		return CodeBadWeights
	case KindInvalidObservationSize, KindInvalidActionSize:
		return CodeBadSize
	case KindInvariantViolation:
		return CodeInvariant
	case KindOutOfMemory:
		return CodeOutOfMemory
	default:
		return CodeInternal
	}
}

// IsBadInput reports whether err was caused by caller-supplied data. Such
// requests must not be retried unmodified; internal failures may warrant
// rebuilding the environment instead.
func IsBadInput(err error) bool {
	switch Code(err) {
	case CodeBadWeights, CodeBadSize, CodeInvariant:
		return true
	default:
		return false
	}
}
