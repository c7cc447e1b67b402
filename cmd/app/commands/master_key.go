package commands

import (
	"fmt"
	"io"

	kmsDomain "github.com/allisson/autoencrypt/internal/kms/domain"
)

// RunCreateLocalMasterKey generates a random 96-byte master key for the local KMS provider
// and prints it as an environment variable assignment.
//
// Anyone holding the key can unwrap every data key wrapped by the local provider. Use a
// cloud KMS provider (aws, gcp, azure, vault) in production.
func RunCreateLocalMasterKey(writer io.Writer) error {
	encoded, err := kmsDomain.GenerateLocalMasterKey()
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintln(writer, "# Local master key (development only)")
	_, _ = fmt.Fprintln(writer, "# Copy this environment variable to your .env file or secrets manager")
	_, _ = fmt.Fprintln(writer)
	_, _ = fmt.Fprintf(writer, "KMS_LOCAL_MASTER_KEY=\"%s\"\n", encoded)
	return nil
}
