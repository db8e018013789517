package qdrant

import (
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

func toQdrantPoint(p *Point) *qdrant.PointStruct {
	payload := make(map[string]*qdrant.Value, len(p.Payload))
	for k, v := range p.Payload {
		payload[k] = toQdrantValue(v)
	}

	return &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(p.ID),
		Vectors: qdrant.NewVectors(p.Vector...),
		Payload: payload,
	}
}

func toQdrantValue(v interface{}) *qdrant.Value {
	switch val := v.(type) {
	case string:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}
	case int:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
	case int64:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}
	case float64:
		return &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}
	case bool:
		return &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
	default:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: fmt.Sprintf("%v", val)}}
	}
}

func fromQdrantScoredPoint(p *qdrant.ScoredPoint) *ScoredPoint {
	return &ScoredPoint{
		Point: Point{
			ID:      extractPointID(p.Id),
			Vector:  extractVectorOutput(p.Vectors),
			Payload: extractPayload(p.Payload),
		},
		Score: p.Score,
	}
}

func fromQdrantRetrievedPoint(p *qdrant.RetrievedPoint) *Point {
	return &Point{
		ID:      extractPointID(p.Id),
		Vector:  extractVectorOutput(p.Vectors),
		Payload: extractPayload(p.Payload),
	}
}

func extractPointID(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if uuid := id.GetUuid(); uuid != "" {
		return uuid
	}
	if num := id.GetNum(); num != 0 {
		return fmt.Sprintf("%d", num)
	}
	return ""
}

func extractVectorOutput(vectors *qdrant.VectorsOutput) []float32 {
	if vectors == nil {
		return nil
	}
	if vec := vectors.GetVector(); vec != nil {
		if dense := vec.GetDense(); dense != nil {
			return dense.GetData()
		}
	}
	return nil
}

func extractPayload(payload map[string]*qdrant.Value) map[string]interface{} {
	if payload == nil {
		return nil
	}

	result := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		result[k] = extractValue(v)
	}
	return result
}

func extractValue(v *qdrant.Value) interface{} {
	if v == nil {
		return nil
	}

	switch val := v.Kind.(type) {
	case *qdrant.Value_StringValue:
		return val.StringValue
	case *qdrant.Value_IntegerValue:
		return val.IntegerValue
	case *qdrant.Value_DoubleValue:
		return val.DoubleValue
	case *qdrant.Value_BoolValue:
		return val.BoolValue
	default:
		return nil
	}
}

func toQdrantFilter(f *Filter) *qdrant.Filter {
	if f == nil {
		return nil
	}

	filter := &qdrant.Filter{}
	if len(f.Must) > 0 {
		filter.Must = make([]*qdrant.Condition, len(f.Must))
		for i, cond := range f.Must {
			filter.Must[i] = toQdrantCondition(cond)
		}
	}
	if len(f.Should) > 0 {
		filter.Should = make([]*qdrant.Condition, len(f.Should))
		for i, cond := range f.Should {
			filter.Should[i] = toQdrantCondition(cond)
		}
	}
	if len(f.MustNot) > 0 {
		filter.MustNot = make([]*qdrant.Condition, len(f.MustNot))
		for i, cond := range f.MustNot {
			filter.MustNot[i] = toQdrantCondition(cond)
		}
	}

	return filter
}

func toQdrantCondition(c Condition) *qdrant.Condition {
	if c.Match != nil {
		return &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: c.Field,
					Match: &qdrant.Match{
						MatchValue: toQdrantMatch(c.Match),
					},
				},
			},
		}
	}

	if len(c.MatchAny) > 0 {
		return &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: c.Field,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keywords{
							Keywords: &qdrant.RepeatedStrings{Strings: c.MatchAny},
						},
					},
				},
			},
		}
	}

	if c.Range != nil {
		return &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: c.Field,
					Range: &qdrant.Range{
						Gte: c.Range.Gte,
						Lte: c.Range.Lte,
						Gt:  c.Range.Gt,
						Lt:  c.Range.Lt,
					},
				},
			},
		}
	}

	return nil
}

func toQdrantMatch(match interface{}) *qdrant.Match_Keyword {
	switch v := match.(type) {
	case string:
		return &qdrant.Match_Keyword{Keyword: v}
	default:
		return &qdrant.Match_Keyword{Keyword: fmt.Sprintf("%v", v)}
	}
}
