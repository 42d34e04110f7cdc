package detector

import "testing"

// FuzzParsePIDFile ensures ParsePIDFile never panics and that anything it
// accepts survives a format round trip.
func FuzzParsePIDFile(f *testing.F) {
	f.Add([]byte("123\n"))
	f.Add([]byte("not-a-number"))
	f.Add([]byte("\n\n"))
	f.Add([]byte("42\n{\"start_unix\":1700000000}"))

	f.Fuzz(func(t *testing.T, data []byte) {
		info, err := ParsePIDFile(data)
		if err != nil {
			return
		}
		again, err := ParsePIDFile(FormatPIDFile(info))
		if err != nil || again != info {
			t.Fatalf("round trip mismatch: %+v -> %+v (%v)", info, again, err)
		}
	})
}
