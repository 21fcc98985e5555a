package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"parley/protocol"

	"github.com/sirupsen/logrus"
)

// WitResponseMapper converts Wit.AI message responses into IntentParseResults.
type WitResponseMapper struct {
	mapping *IntentMapping
	logger  *logrus.Entry
}

// NewWitResponseMapper creates a mapper that resolves intent names through mapping.
func NewWitResponseMapper(mapping *IntentMapping, logger *logrus.Logger) *WitResponseMapper {
	if mapping == nil {
		mapping = DefaultIntentMapping()
	}
	return &WitResponseMapper{
		mapping: mapping,
		logger:  logger.WithField("component", "wit-mapper"),
	}
}

// DecodeWitResponse validates the structure of a raw message response and
// decodes it. text must be a string, intents an array, and entities and
// traits objects; anything else is ErrInvalidNLUResponse.
func DecodeWitResponse(body []byte) (*WitResponse, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNLUResponse, err)
	}

	expect := map[string]byte{
		"text":     '"',
		"intents":  '[',
		"entities": '{',
		"traits":   '{',
	}
	for name, opener := range expect {
		raw := bytes.TrimSpace(fields[name])
		if len(raw) == 0 || raw[0] != opener {
			return nil, fmt.Errorf("%w: field %q has unexpected shape", ErrInvalidNLUResponse, name)
		}
	}

	var response WitResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNLUResponse, err)
	}
	return &response, nil
}

// Map converts a validated response into the internal result shape. The
// confidence gate is applied by the caller.
func (m *WitResponseMapper) Map(response *WitResponse) *IntentParseResult {
	intent := protocol.IntentChat
	confidence := 0.5

	if len(response.Intents) > 0 {
		primary := response.Intents[0]
		if resolved, ok := m.mapping.Resolve(primary.Name); ok {
			intent = resolved
		} else {
			m.logger.WithField("witIntent", primary.Name).Warn("Unknown intent name, mapping to chat")
		}
		if primary.Confidence != 0 {
			confidence = primary.Confidence
		}
	}

	entities := extractEntities(response.Entities)
	parameters := entitiesToParameters(entities)

	var sentiment string
	if traits := response.Traits["wit$sentiment"]; len(traits) > 0 {
		sentiment = traits[0].Value
	}

	m.logger.WithFields(logrus.Fields{
		"intent":      intent,
		"confidence":  confidence,
		"entityCount": len(entities),
		"sentiment":   sentiment,
	}).Debug("Mapped Wit.AI response")

	return &IntentParseResult{
		Intent:      intent,
		Parameters:  parameters,
		Confidence:  clampConfidence(confidence),
		Entities:    entities,
		Sentiment:   sentiment,
		RawResponse: response,
	}
}

// entityRoute maps an entity key substring to a canonical entity name and type.
type entityRoute struct {
	patterns   []string
	name       string
	entityType string
}

// Routes are tried in order and the first matching pattern wins.
var customEntityRoutes = []entityRoute{
	{[]string{"custom/device", "iot_device"}, "device", "device"},
	{[]string{"custom/action"}, "action", "text"},
	{[]string{"custom/value"}, "value", "number"},
	{[]string{"custom/unit"}, "unit", "text"},
	{[]string{"custom/query"}, "query", "text"},
	{[]string{"custom/label"}, "label", "text"},
	{[]string{"custom/media_type"}, "media_type", "text"},
	{[]string{"custom/media_title"}, "media_title", "text"},
	{[]string{"custom/service"}, "service", "text"},
	{[]string{"custom/topic"}, "topic", "text"},
}

func keyContains(key string, patterns ...string) bool {
	for _, pattern := range patterns {
		if strings.Contains(key, pattern) {
			return true
		}
	}
	return false
}

// extractEntities keeps the first occurrence of each entity key and routes it
// to a canonical name. Keys are visited in sorted order so the output is
// deterministic.
func extractEntities(witEntities map[string][]WitEntity) []protocol.ParsedEntity {
	keys := make([]string, 0, len(witEntities))
	for key := range witEntities {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	entities := make([]protocol.ParsedEntity, 0, len(keys))
	for _, key := range keys {
		occurrences := witEntities[key]
		if len(occurrences) == 0 {
			continue
		}
		entities = append(entities, routeEntity(key, occurrences[0]))
	}
	return entities
}

func routeEntity(key string, entity WitEntity) protocol.ParsedEntity {
	for _, route := range customEntityRoutes {
		if keyContains(key, route.patterns...) {
			return protocol.ParsedEntity{
				Name:       route.name,
				Value:      valueOrBody(entity),
				Confidence: entity.Confidence,
				Type:       route.entityType,
			}
		}
	}

	switch {
	case keyContains(key, "wit$temperature", "wit/temperature"):
		unit := entity.Unit
		if unit == "" {
			unit = "degree"
		}
		return protocol.ParsedEntity{
			Name:       "temperature",
			Value:      entity.Value,
			Confidence: entity.Confidence,
			Type:       "temperature",
			Unit:       unit,
		}

	case keyContains(key, "wit$location", "wit/location"):
		parsed := protocol.ParsedEntity{
			Name:       "location",
			Value:      entity.Body,
			Confidence: entity.Confidence,
			Type:       "location",
		}
		if entity.Resolved != nil && len(entity.Resolved.Values) > 0 {
			first := entity.Resolved.Values[0]
			if first.Name != "" {
				parsed.Value = first.Name
			}
			parsed.Coordinates = first.Coords
			parsed.ResolvedValues = entity.Resolved.Values
		}
		return parsed

	case keyContains(key, "wit$datetime", "wit/datetime"):
		return protocol.ParsedEntity{
			Name:       "datetime",
			Value:      entity.Value,
			Confidence: entity.Confidence,
			Type:       "date",
		}

	case keyContains(key, "wit$duration", "wit/duration"):
		return protocol.ParsedEntity{
			Name:       "duration",
			Value:      entity.Value,
			Confidence: entity.Confidence,
			Type:       "text",
			Unit:       entity.Unit,
		}
	}

	name := entity.Role
	if name == "" {
		name = entity.Name
	}
	return protocol.ParsedEntity{
		Name:       name,
		Value:      valueOrBody(entity),
		Confidence: entity.Confidence,
		Type:       "text",
	}
}

// valueOrBody prefers the resolved value and falls back to the matched text
// when the value is empty.
func valueOrBody(entity WitEntity) any {
	if isPresent(entity.Value) {
		return entity.Value
	}
	return entity.Body
}

// isPresent reports whether v carries a usable value: not nil, not an empty
// string, not zero and not false.
func isPresent(v any) bool {
	switch value := v.(type) {
	case nil:
		return false
	case string:
		return value != ""
	case float64:
		return value != 0
	case int:
		return value != 0
	case bool:
		return value
	default:
		return true
	}
}

// entitiesToParameters flattens entities into a name→value map, promoting
// unit, coordinates and resolved values into sibling keys.
func entitiesToParameters(entities []protocol.ParsedEntity) map[string]any {
	parameters := make(map[string]any, len(entities))
	for _, entity := range entities {
		parameters[entity.Name] = entity.Value
		if entity.Unit != "" {
			parameters[entity.Name+"_unit"] = entity.Unit
		}
		if entity.Coordinates != nil {
			parameters[entity.Name+"_coordinates"] = entity.Coordinates
		}
		if len(entity.ResolvedValues) > 0 {
			parameters[entity.Name+"_resolved"] = entity.ResolvedValues
		}
	}
	return parameters
}
