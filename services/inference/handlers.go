// Copyright (C) 2025 Dossier Labs (dev@dossierlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package inference

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dossierlabs/dossier/services/llm"
)

// Handlers map each job kind to a prompt builder and a defensive response
// parser. Model output is treated as hostile input: the parser locates the
// first JSON bracket through the matching last bracket and unmarshals that
// slice; anything that fails to parse degrades to the kind's fallback value
// instead of failing the job. Malformed model output must never crash the
// pipeline.

func floatPtr(f float32) *float32 { return &f }
func intPtr(i int) *int           { return &i }

// buildPrompt returns the prompt and sampling parameters for a payload.
// The switch is exhaustive over the payload union.
func buildPrompt(p Payload) (string, llm.GenerationParams) {
	low := llm.GenerationParams{Temperature: floatPtr(0.1), MaxTokens: intPtr(1024)}

	switch v := p.(type) {
	case ExtractEntitiesPayload:
		return fmt.Sprintf(
			"Extract every named entity (people, organizations, locations, dates) from the text below. "+
				"Respond with only a JSON array of objects with \"name\" and \"type\" fields.\n\nText:\n%s",
			v.Text), low

	case ExtractRelationshipsPayload:
		return fmt.Sprintf(
			"Given these entities: %s\n\nIdentify relationships between them in the text below. "+
				"Respond with only a JSON array of objects with \"source\", \"target\" and \"relation\" fields.\n\nText:\n%s",
			strings.Join(v.Entities, ", "), v.Text), low

	case FilterRelevancePayload:
		items, _ := json.Marshal(v.Candidates)
		return fmt.Sprintf(
			"Query: %s\n\nFrom the JSON array of candidates below, keep only the ones relevant to the query. "+
				"Respond with only a JSON array of the kept strings, unchanged.\n\nCandidates:\n%s",
			v.Query, items), low

	case SummarizePayload:
		maxWords := v.MaxWords
		if maxWords <= 0 {
			maxWords = 150
		}
		return fmt.Sprintf(
			"Summarize the following text in at most %d words. Respond with the summary only.\n\nText:\n%s",
			maxWords, v.Text), llm.GenerationParams{Temperature: floatPtr(0.3), MaxTokens: intPtr(512)}

	case SynthesizePayload:
		var sb strings.Builder
		for i, passage := range v.Passages {
			fmt.Fprintf(&sb, "[%d] %s\n", i+1, passage)
		}
		return fmt.Sprintf(
			"Answer the question using only the numbered passages below. Cite passage numbers in brackets.\n\n"+
				"Question: %s\n\nPassages:\n%s",
			v.Question, sb.String()), llm.GenerationParams{Temperature: floatPtr(0.3), MaxTokens: intPtr(1024)}

	case ParseIntentPayload:
		return fmt.Sprintf(
			"Classify the research query below. Respond with only a JSON object with an \"intent\" field "+
				"(one of: lookup, compare, timeline, network, summary) and an \"entities\" array of strings.\n\nQuery: %s",
			v.Query), low

	case GenerateSubqueriesPayload:
		count := v.Count
		if count <= 0 {
			count = 3
		}
		return fmt.Sprintf(
			"Decompose the question below into %d independent sub-questions. "+
				"Respond with only a JSON array of strings.\n\nQuestion: %s",
			count, v.Question), llm.GenerationParams{Temperature: floatPtr(0.5), MaxTokens: intPtr(512)}

	case ExtractKeywordsPayload:
		limit := v.Limit
		if limit <= 0 {
			limit = 10
		}
		return fmt.Sprintf(
			"Extract at most %d search keywords from the text below. "+
				"Respond with only a JSON array of strings.\n\nText:\n%s",
			limit, v.Text), low

	case ScoreResultsPayload:
		items, _ := json.Marshal(v.Results)
		return fmt.Sprintf(
			"Query: %s\n\nScore each result below for relevance to the query on a 0.0-1.0 scale. "+
				"Respond with only a JSON array of objects with \"result\" and \"score\" fields, "+
				"in the same order as the input.\n\nResults:\n%s",
			v.Query, items), low

	default:
		// Unreachable for payloads constructed through this package.
		return "", low
	}
}

// parseResponse converts raw model output into the kind's structured
// result. It never returns an error; unparseable output maps to the
// documented fallback (empty slice for extraction kinds, the unmodified
// input for filter-relevance, zeroed scores for score-results).
func parseResponse(p Payload, raw string) any {
	switch v := p.(type) {
	case ExtractEntitiesPayload:
		var entities []Entity
		if !unmarshalArray(raw, &entities) {
			return []Entity{}
		}
		return entities

	case ExtractRelationshipsPayload:
		var rels []Relationship
		if !unmarshalArray(raw, &rels) {
			return []Relationship{}
		}
		return rels

	case FilterRelevancePayload:
		var kept []string
		if !unmarshalArray(raw, &kept) {
			// Identity fallback: filtering that cannot be trusted keeps everything.
			return v.Candidates
		}
		return kept

	case SummarizePayload, SynthesizePayload:
		return strings.TrimSpace(raw)

	case ParseIntentPayload:
		var intent Intent
		if !unmarshalObject(raw, &intent) || intent.Name == "" {
			return Intent{Name: "unknown"}
		}
		return intent

	case GenerateSubqueriesPayload:
		var subqueries []string
		if !unmarshalArray(raw, &subqueries) {
			return []string{}
		}
		return subqueries

	case ExtractKeywordsPayload:
		var keywords []string
		if !unmarshalArray(raw, &keywords) {
			return []string{}
		}
		return keywords

	case ScoreResultsPayload:
		var scored []ScoredResult
		if !unmarshalArray(raw, &scored) || len(scored) != len(v.Results) {
			// Zero scores in input order when the model output is unusable.
			fallback := make([]ScoredResult, len(v.Results))
			for i, r := range v.Results {
				fallback[i] = ScoredResult{Result: r}
			}
			return fallback
		}
		return scored

	default:
		return strings.TrimSpace(raw)
	}
}

// unmarshalArray extracts the first '[' through the last ']' and
// unmarshals that slice into dst. Returns false when no bracket pair
// exists or the slice is not valid JSON.
func unmarshalArray(raw string, dst any) bool {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return false
	}
	return json.Unmarshal([]byte(raw[start:end+1]), dst) == nil
}

// unmarshalObject extracts the first '{' through the last '}' and
// unmarshals that slice into dst.
func unmarshalObject(raw string, dst any) bool {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return false
	}
	return json.Unmarshal([]byte(raw[start:end+1]), dst) == nil
}

// estimateTokens approximates token counts for cost accounting against
// local engines that do not report usage. Roughly four characters per
// token for English text.
func estimateTokens(s string) int {
	return len(s)/4 + 1
}
