//go:build !linux

package attest

// detectHardwareProvider has no implementation outside Linux in this
// module: the teacher's own tpm_darwin.go/tpm_windows.go are likewise
// stubs that defer to the software provider.
func detectHardwareProvider() Provider {
	return nil
}
