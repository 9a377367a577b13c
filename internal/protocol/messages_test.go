package protocol

import "testing"

func TestSubjects(t *testing.T) {
	cases := map[string]string{
		HealthSubject("voicevox"):             "voicegate.health.voicevox",
		ShardsUpdatedSubject("voicevox-nemo"): "voicegate.shards.voicevox-nemo.updated",
		ShardsQuerySubject("coeiroink"):       "voicegate.shards.coeiroink.get",
		ReshardSubject("aivisspeech"):         "voicegate.ctrl.reshard.aivisspeech",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("subject mismatch: got %q want %q", got, want)
		}
	}
}
