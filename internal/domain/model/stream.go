package model

// StreamEntry is one record returned by a consumer-group read.
type StreamEntry struct {
	Stream string
	ID     string
	Data   []byte
}

// DraftKey is the auxiliary key reclaimed together with a stream.
func DraftKey(streamKey string) string {
	return "draft:" + streamKey
}
