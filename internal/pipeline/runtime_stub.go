//go:build !govips || !cgo

package pipeline

func Startup() error {
	return nil
}

func Shutdown() {}

func newEncoder() Encoder {
	return stdlibEncoder{}
}

// DefaultBridge is nil without libvips; HEIC assets then need an external
// bridge collaborator.
func DefaultBridge() Bridge {
	return nil
}
