package types

import (
	"encoding/json"
	"testing"
)

func TestFlexString_UnmarshalJSON(t *testing.T) {
	var rec struct {
		Num FlexString `json:"num"`
	}

	cases := []struct {
		name string
		body string
		want FlexString
	}{
		{"String", `{"num": "35"}`, "35"},
		{"Number", `{"num": 35}`, "35"},
		{"Float", `{"num": 35.5}`, "35.5"},
		{"Null", `{"num": null}`, ""},
		{"Absent", `{}`, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec.Num = ""
			if err := json.Unmarshal([]byte(tc.body), &rec); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if rec.Num != tc.want {
				t.Errorf("Num = %q, want %q", rec.Num, tc.want)
			}
		})
	}
}

func TestFlexString_Int(t *testing.T) {
	if got := FlexString("35").Int(0); got != 35 {
		t.Errorf("Int = %d, want 35", got)
	}
	if got := FlexString("").Int(9999); got != 9999 {
		t.Errorf("Int fallback = %d, want 9999", got)
	}
	if got := FlexString("n/a").Int(-1); got != -1 {
		t.Errorf("Int fallback = %d, want -1", got)
	}
}

func TestNewChannel(t *testing.T) {
	var rec ChannelRecord
	body := `{"channelGuid": "g1", "channelId": "howard100", "name": "Howard 100", "siriusChannelNumber": 100, "isFavorite": true}`
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	ch := NewChannel(rec)
	if ch.GUID != "g1" || ch.ID != "howard100" || ch.Name != "Howard 100" || ch.Number != "100" || !ch.Favorite {
		t.Errorf("NewChannel = %+v", ch)
	}
}
