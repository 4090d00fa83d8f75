package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeReturnsTypedPayload(t *testing.T) {
	in := VeoPolling{
		SceneRef:      SceneRef{SceneID: "s1", ProjectID: "p1", UserID: "u1"},
		OperationName: "projects/x/operations/1",
		Attempt:       2,
		MaxAttempts:   120,
	}
	raw, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(TopicVeoPollingRequested, raw)
	require.NoError(t, err)
	got, ok := out.(VeoPolling)
	require.True(t, ok, "got %T", out)
	assert.Equal(t, in, got)
}

func TestDecodeCoversEveryTopic(t *testing.T) {
	assert.Len(t, Topics, 12)
	for _, topic := range Topics {
		p, err := Decode(topic, []byte(`{}`))
		require.NoError(t, err, topic)
		assert.Equal(t, topic, p.Topic())
	}
}

func TestDecodeRejectsUnknownTopic(t *testing.T) {
	_, err := Decode("tts/finished", []byte(`{}`))
	assert.Error(t, err)
}

func TestForScene(t *testing.T) {
	match := ForScene("s1")
	assert.True(t, match(TTSCompleted{SceneRef: SceneRef{SceneID: "s1"}}))
	assert.False(t, match(TTSCompleted{SceneRef: SceneRef{SceneID: "s2"}}))
	assert.False(t, match(VideoCompose{ProjectID: "s1"}))
}

func TestForProject(t *testing.T) {
	match := ForProject("p1")
	assert.True(t, match(SceneProcess{SceneRef: SceneRef{SceneID: "s1", ProjectID: "p1"}}))
	assert.True(t, match(VideoCompose{ProjectID: "p1"}))
	assert.True(t, match(AvatarDesign{ProjectID: "p1", StartSceneID: "s1"}))
	assert.False(t, match(VideoCompose{ProjectID: "p2"}))
}
