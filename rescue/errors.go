package rescue

// BadModeError reports that the device answered a mode or baud command
// with error:, or that the host asked for a rate outside the supported
// set. Msg carries the device's diagnostic text verbatim.
type BadModeError struct {
	Msg string
}

func (e *BadModeError) Error() string {
	return "bad mode: " + e.Msg
}
