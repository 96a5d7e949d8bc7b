package domain

type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota + 1
	OutcomeTransientFailure
	OutcomePermanentFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransientFailure:
		return "transient_failure"
	case OutcomePermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

type Outcome struct {
	Kind   OutcomeKind
	Result Result
	Cause  error
}

func Success(result Result) Outcome {
	return Outcome{Kind: OutcomeSuccess, Result: result}
}

func TransientFailure(cause error) Outcome {
	return Outcome{Kind: OutcomeTransientFailure, Cause: cause}
}

func PermanentFailure(cause error) Outcome {
	return Outcome{Kind: OutcomePermanentFailure, Cause: cause}
}

func OutcomeFromError(err error) Outcome {
	if IsPermanent(err) {
		return PermanentFailure(err)
	}
	return TransientFailure(err)
}

func (o Outcome) ErrorInfo() *ErrorInfo {
	if o.Cause == nil {
		return nil
	}
	kind, ok := PermanentKind(o.Cause)
	if !ok {
		kind = "transient"
	}
	return &ErrorInfo{Kind: kind, Message: o.Cause.Error()}
}
