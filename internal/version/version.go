// ABOUTME: Version information for datstream
// ABOUTME: Reported by -version and in the startup log
package version

const (
	// Version is the release version
	Version = "0.3.0"

	// Product is the product name advertised to consumers
	Product = "datstream"

	// Manufacturer identifies who builds the server
	Manufacturer = "harperreed"
)

// String returns the one-line version banner
func String() string {
	return Product + " " + Version + " (" + Manufacturer + ")"
}
