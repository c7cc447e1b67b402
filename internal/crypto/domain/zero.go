package domain

// Zero overwrites every given buffer with zeros. Key material is passed through Zero as
// soon as it is no longer needed; nil buffers are ignored.
func Zero(bufs ...[]byte) {
	for _, b := range bufs {
		clear(b)
	}
}
