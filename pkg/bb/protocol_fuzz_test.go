package bb

import "testing"

func FuzzValidatePlayerState(f *testing.F) {
	f.Add("playing", 0, 1, 0, int64(1))
	f.Add("", -1, -1, -1, int64(0))

	f.Fuzz(func(t *testing.T, status string, index int, length int, cursor int, ts int64) {
		state := PlayerState{
			Status: status,
			Index:  index,
			Length: length,
			Cursor: cursor,
			TS:     ts,
		}
		_ = ValidatePlayerState(state)
	})
}
