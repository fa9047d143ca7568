package llm

import "encoding/json"

// DreamReference is one outgoing link a dream moment draws back to an
// entity already in the graph (a session, moment, file, ...), addressed
// by its kv_store entity_key ("{table}:{id}").
type DreamReference struct {
	TargetKey string  `json:"target_key"`
	Relation  string  `json:"relation"`
	Weight    float64 `json:"weight"`
	Reason    string  `json:"reason"`
}

// DreamMoment is one structured-output moment the dreaming agent proposes:
// a cross-session insight, not a verbatim session transcript.
type DreamMoment struct {
	Name        string           `json:"name"`
	Summary     string           `json:"summary"`
	TopicTags   []string         `json:"topic_tags"`
	EmotionTags []string         `json:"emotion_tags"`
	References  []DreamReference `json:"references"`
}

// DreamMomentsOutput is the dreaming agent's full structured response.
type DreamMomentsOutput struct {
	Moments []DreamMoment `json:"moments"`
}

// DreamMomentsSchema is the JSON Schema passed as response_format to
// constrain the dreaming agent's output to DreamMomentsOutput's shape.
var DreamMomentsSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "moments": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "summary": {"type": "string"},
          "topic_tags": {"type": "array", "items": {"type": "string"}},
          "emotion_tags": {"type": "array", "items": {"type": "string"}},
          "references": {
            "type": "array",
            "items": {
              "type": "object",
              "properties": {
                "target_key": {"type": "string"},
                "relation": {"type": "string"},
                "weight": {"type": "number"},
                "reason": {"type": "string"}
              },
              "required": ["target_key", "relation", "weight", "reason"],
              "additionalProperties": false
            }
          }
        },
        "required": ["name", "summary", "topic_tags", "emotion_tags", "references"],
        "additionalProperties": false
      }
    }
  },
  "required": ["moments"],
  "additionalProperties": false
}`)
