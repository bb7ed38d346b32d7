package application

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"github.com/bnema/walletd/internal/domain"
)

const envelopeSchemaJSON = `{
  "type": "object",
  "required": ["command", "sessionid", "accountid", "correlationid"],
  "properties": {
    "command": {"type": "string", "minLength": 1},
    "sessionid": {"type": "string", "minLength": 1},
    "accountid": {"type": "string", "minLength": 1},
    "correlationid": {"type": "string"}
  }
}`

const argumentsSchemaJSON = `{
  "type": "object",
  "additionalProperties": {"type": "string"}
}`

const sessionEventSchemaJSON = `{
  "type": "object",
  "required": ["accountid", "sessionid"],
  "properties": {
    "accountid": {"type": "string", "minLength": 1},
    "sessionid": {"type": "string", "minLength": 1}
  }
}`

var (
	errEnvelopeInvalid  = errors.New("inbound envelope is invalid")
	errArgumentsInvalid = errors.New("inbound arguments are malformed")
)

type schemas struct {
	envelope     *jsonschema.Schema
	arguments    *jsonschema.Schema
	sessionEvent *jsonschema.Schema
}

var (
	protocolSchemas     schemas
	protocolSchemasErr  error
	protocolSchemasOnce sync.Once
)

func loadSchemas() (schemas, error) {
	protocolSchemasOnce.Do(func() {
		compile := func(name, src string) *jsonschema.Schema {
			if protocolSchemasErr != nil {
				return nil
			}
			compiler := jsonschema.NewCompiler()
			schema, err := compiler.Compile([]byte(src))
			if err != nil {
				protocolSchemasErr = fmt.Errorf("compile %s schema: %w", name, err)
			}
			return schema
		}
		protocolSchemas = schemas{
			envelope:     compile("envelope", envelopeSchemaJSON),
			arguments:    compile("arguments", argumentsSchemaJSON),
			sessionEvent: compile("session event", sessionEventSchemaJSON),
		}
	})

	return protocolSchemas, protocolSchemasErr
}

type inboundEnvelope struct {
	Command       string          `json:"command"`
	SessionID     string          `json:"sessionid"`
	AccountID     string          `json:"accountid"`
	CorrelationID string          `json:"correlationid"`
	Arguments     json.RawMessage `json:"arguments"`
}

type inboundMessage struct {
	Command       string
	SessionID     domain.SessionID
	AccountID     domain.AccountID
	CorrelationID string
	// Arguments is nil when the field was absent or null.
	Arguments map[string]string
}

// decodeInbound returns errEnvelopeInvalid when the message has no usable reply
// target, and errArgumentsInvalid together with the decoded envelope fields
// when only the arguments are malformed.
func decodeInbound(body []byte) (inboundMessage, error) {
	s, err := loadSchemas()
	if err != nil {
		return inboundMessage{}, err
	}

	if !json.Valid(body) || !s.envelope.ValidateJSON(body).IsValid() {
		return inboundMessage{}, errEnvelopeInvalid
	}

	var env inboundEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return inboundMessage{}, errEnvelopeInvalid
	}

	msg := inboundMessage{
		Command:       env.Command,
		SessionID:     domain.SessionID(env.SessionID),
		AccountID:     domain.AccountID(env.AccountID),
		CorrelationID: env.CorrelationID,
	}

	raw := bytes.TrimSpace(env.Arguments)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return msg, nil
	}
	if !s.arguments.ValidateJSON(raw).IsValid() {
		return msg, errArgumentsInvalid
	}
	args := map[string]string{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return msg, errArgumentsInvalid
	}
	msg.Arguments = args

	return msg, nil
}

type sessionEvent struct {
	AccountID string `json:"accountid"`
	SessionID string `json:"sessionid"`
}

func decodeSessionEvent(body []byte) (sessionEvent, error) {
	s, err := loadSchemas()
	if err != nil {
		return sessionEvent{}, err
	}
	if !json.Valid(body) || !s.sessionEvent.ValidateJSON(body).IsValid() {
		return sessionEvent{}, errEnvelopeInvalid
	}

	var event sessionEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return sessionEvent{}, errEnvelopeInvalid
	}
	return event, nil
}

// Result is the command-specific payload; errorCode and errorMessage are always set.
type Result map[string]any

type Response struct {
	SessionID     string `json:"sessionid"`
	CorrelationID string `json:"correlationid"`
	Command       string `json:"command"`
	Result        Result `json:"result"`
}

func newResponse(sessionID domain.SessionID, correlationID, command string, code domain.ErrorCode, message string, fields Result) Response {
	result := make(Result, len(fields)+2)
	for k, v := range fields {
		result[k] = v
	}
	result["errorCode"] = int(code)
	result["errorMessage"] = message

	return Response{
		SessionID:     string(sessionID),
		CorrelationID: correlationID,
		Command:       command,
		Result:        result,
	}
}

func successResponse(cmd domain.Command, fields Result) Response {
	return newResponse(cmd.SessionID, cmd.CorrelationID, cmd.ReplyName(), domain.CodeOK, "", fields)
}

func errorResponse(cmd domain.Command, code domain.ErrorCode) Response {
	return newResponse(cmd.SessionID, cmd.CorrelationID, cmd.ReplyName(), code, code.Message(), nil)
}

func (r Response) Code() domain.ErrorCode {
	if code, ok := r.Result["errorCode"].(int); ok {
		return domain.ErrorCode(code)
	}
	return domain.CodeOK
}

func (r Response) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

type blockSummary struct {
	Hash              string   `json:"hash"`
	Height            int64    `json:"height"`
	Time              int64    `json:"time"`
	PreviousBlockHash string   `json:"previousblockhash,omitempty"`
	Difficulty        float64  `json:"difficulty"`
	Transactions      []string `json:"tx"`
}

func newBlockSummary(block domain.Block) blockSummary {
	txids := make([]string, 0, len(block.Transactions))
	for _, tx := range block.Transactions {
		txids = append(txids, tx.ID)
	}
	return blockSummary{
		Hash:              block.Hash,
		Height:            block.Height,
		Time:              block.Time.Unix(),
		PreviousBlockHash: block.PrevHash,
		Difficulty:        block.Difficulty,
		Transactions:      txids,
	}
}

var jsonHeaders = map[string]string{"content-type": "application/json"}

func publishHeaders() map[string]string {
	headers := make(map[string]string, len(jsonHeaders))
	for k, v := range jsonHeaders {
		headers[k] = v
	}
	return headers
}

// commandLabel bounds metric label values to the known command set.
func commandLabel(raw string) string {
	name := domain.ParseCommandName(raw)
	switch {
	case name.Routed(), name == domain.CommandCreateWallet, name == domain.CommandTransaction:
		return string(name)
	default:
		return "other"
	}
}
