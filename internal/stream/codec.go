package stream

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

func encodeSetup(s Setup) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"setup": map[string]any{
			"voice":                s.Voice,
			"system_instruction":   s.SystemInstruction,
			"response_modalities":  []any{"AUDIO"},
			"output_transcription": s.OutputTranscription,
		},
	})
}

func encodeRealtimeInput(c MediaChunk) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"realtime_input": map[string]any{
			"mime_type": c.MimeType,
			"data":      c.Data,
		},
	})
}

// decodeServerMessage maps a server document onto ServerMessage. Unknown
// fields are ignored; wrongly typed known fields make the unit malformed.
func decodeServerMessage(in *structpb.Struct) (*ServerMessage, error) {
	fields := in.GetFields()
	msg := &ServerMessage{}

	if _, ok := fields["setup_complete"]; ok {
		msg.SetupComplete = true
	}

	content, ok := fields["server_content"]
	if !ok {
		return msg, nil
	}
	sc := content.GetStructValue()
	if sc == nil {
		return nil, fmt.Errorf("%w: server_content is not an object", ErrMalformedMessage)
	}
	scFields := sc.GetFields()

	if v, ok := scFields["audio"]; ok {
		audio := v.GetStructValue()
		if audio == nil {
			return nil, fmt.Errorf("%w: audio is not an object", ErrMalformedMessage)
		}
		data, ok := audio.GetFields()["data"]
		if !ok {
			return nil, fmt.Errorf("%w: audio.data missing", ErrMalformedMessage)
		}
		if _, isStr := data.GetKind().(*structpb.Value_StringValue); !isStr {
			return nil, fmt.Errorf("%w: audio.data is not a string", ErrMalformedMessage)
		}
		payload := &AudioPayload{Data: data.GetStringValue()}
		if rate, ok := audio.GetFields()["sample_rate"]; ok {
			payload.SampleRate = int(rate.GetNumberValue())
		}
		msg.Audio = payload
	}

	if v, ok := scFields["output_transcription"]; ok {
		tr := v.GetStructValue()
		if tr == nil {
			return nil, fmt.Errorf("%w: output_transcription is not an object", ErrMalformedMessage)
		}
		msg.Transcript = tr.GetFields()["text"].GetStringValue()
	}

	if v, ok := scFields["turn_complete"]; ok {
		msg.TurnComplete = v.GetBoolValue()
	}
	return msg, nil
}
