//go:build !windows || !(amd64 || arm64)

package tracing

type unsupportedAPI struct{}

// NewAPI returns an API whose calls all fail with ErrNotSupported.
func NewAPI() API {
	return unsupportedAPI{}
}

func (unsupportedAPI) AllocProperties(string, SessionConfig) (*Properties, error) {
	return nil, ErrNotSupported
}

func (unsupportedAPI) FreeProperties(*Properties) error { return nil }

func (unsupportedAPI) StartTrace(*Properties) (SessionHandle, error) {
	return 0, ErrNotSupported
}

func (unsupportedAPI) ControlTrace(SessionHandle, *Properties, ControlCode) error {
	return ErrNotSupported
}

func (unsupportedAPI) EnableTrace(SessionHandle, *EnableRequest) error {
	return ErrNotSupported
}

func (unsupportedAPI) AllocPIDFilter([]uint32) (*FilterDescriptor, error) {
	return nil, ErrNotSupported
}

func (unsupportedAPI) FreeFilter(*FilterDescriptor) error { return nil }

func (unsupportedAPI) OpenTrace(string, ProcessTraceMode, *Callbacks) (ProcessingHandle, error) {
	return InvalidProcessingHandle, ErrNotSupported
}

func (unsupportedAPI) ProcessTrace(ProcessingHandle) error { return ErrNotSupported }

func (unsupportedAPI) CloseTrace(ProcessingHandle) error { return ErrNotSupported }
