package protocol

// Chunk splits payload into consecutive slices of at most capacity bytes.
// Order is preserved and no chunk is empty. Returns nil for an empty
// payload or a non-positive capacity. The chunks alias payload.
func Chunk(payload []byte, capacity int) [][]byte {
	if len(payload) == 0 || capacity <= 0 {
		return nil
	}

	chunks := make([][]byte, 0, (len(payload)+capacity-1)/capacity)
	for len(payload) > 0 {
		n := capacity
		if len(payload) < n {
			n = len(payload)
		}
		chunks = append(chunks, payload[:n:n])
		payload = payload[n:]
	}
	return chunks
}
