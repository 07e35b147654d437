package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chat-relay/internal/domain"
)

const (
	pkSettings      = "SETTINGS"
	pkStats         = "STATS"
	skGuildPrefix   = "GUILD#"
	skSessionPrefix = "SESSION#"
	ttlDuration     = 30 * 24 * time.Hour // 30-day TTL
	batchSize       = 25
	maxBatchTries   = 5
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Client stores guild settings and session statistics in one table keyed by
// PK/SK.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

func guildSK(guildID string) string {
	return skGuildPrefix + guildID
}

func sessionSK(sessionID string) string {
	return skSessionPrefix + sessionID
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// ListGuildSettings returns every stored guild, following pagination.
func (c *Client) ListGuildSettings(ctx context.Context) ([]domain.GuildSettings, error) {
	items, err := c.queryPartition(ctx, pkSettings, skGuildPrefix)
	if err != nil {
		return nil, fmt.Errorf("repository: ListGuildSettings: %w", err)
	}
	out := make([]domain.GuildSettings, 0, len(items))
	for _, item := range items {
		gs, err := itemToGuildSettings(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListGuildSettings decode: %w", err)
		}
		out = append(out, gs)
	}
	return out, nil
}

// PutGuildSettings writes or replaces a guild's overrides.
func (c *Client) PutGuildSettings(ctx context.Context, gs domain.GuildSettings) error {
	if strings.TrimSpace(gs.GuildID) == "" {
		return errors.New("repository: PutGuildSettings: guild id is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      guildSettingsItem(gs, c.now()),
	})
	if err != nil {
		return fmt.Errorf("repository: PutGuildSettings: %w", err)
	}
	return nil
}

// DeleteGuildSettings removes a guild's overrides.
func (c *Client) DeleteGuildSettings(ctx context.Context, guildID string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       itemKey(pkSettings, guildSK(guildID)),
	})
	if err != nil {
		return fmt.Errorf("repository: DeleteGuildSettings: %w", err)
	}
	return nil
}

// LoadSessionStats returns every persisted session's stats keyed by session id.
func (c *Client) LoadSessionStats(ctx context.Context) (map[string]domain.SessionStats, error) {
	items, err := c.queryPartition(ctx, pkStats, skSessionPrefix)
	if err != nil {
		return nil, fmt.Errorf("repository: LoadSessionStats: %w", err)
	}
	out := make(map[string]domain.SessionStats, len(items))
	for _, item := range items {
		id, st, err := itemToSessionStats(item)
		if err != nil {
			return nil, fmt.Errorf("repository: LoadSessionStats decode: %w", err)
		}
		out[id] = st
	}
	return out, nil
}

// SaveSessionStats writes stats in batches of 25, retrying unprocessed items.
func (c *Client) SaveSessionStats(ctx context.Context, stats map[string]domain.SessionStats) error {
	now := c.now()
	requests := make([]types.WriteRequest, 0, len(stats))
	for id, st := range stats {
		requests = append(requests, types.WriteRequest{
			PutRequest: &types.PutRequest{Item: sessionStatsItem(id, st, now)},
		})
	}
	for start := 0; start < len(requests); start += batchSize {
		end := start + batchSize
		if end > len(requests) {
			end = len(requests)
		}
		if err := c.writeBatch(ctx, requests[start:end]); err != nil {
			return fmt.Errorf("repository: SaveSessionStats: %w", err)
		}
	}
	return nil
}

// DeleteSessionStats removes one session's persisted stats.
func (c *Client) DeleteSessionStats(ctx context.Context, sessionID string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       itemKey(pkStats, sessionSK(sessionID)),
	})
	if err != nil {
		return fmt.Errorf("repository: DeleteSessionStats: %w", err)
	}
	return nil
}

func (c *Client) writeBatch(ctx context.Context, reqs []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{c.tableName: reqs}
	for try := 0; try < maxBatchTries; try++ {
		out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return fmt.Errorf("batch write: %w", err)
		}
		if out == nil || len(out.UnprocessedItems[c.tableName]) == 0 {
			return nil
		}
		pending = out.UnprocessedItems
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(try+1) * 50 * time.Millisecond):
		}
	}
	return fmt.Errorf("batch write: %d items unprocessed", len(pending[c.tableName]))
}

func (c *Client) queryPartition(ctx context.Context, pk, skPrefix string) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	var startKey map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: pk},
				":prefix": &types.AttributeValueMemberS{Value: skPrefix},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("query: %w", err)
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func guildSettingsItem(gs domain.GuildSettings, now time.Time) map[string]types.AttributeValue {
	item := itemKey(pkSettings, guildSK(gs.GuildID))
	item["guildId"] = &types.AttributeValueMemberS{Value: gs.GuildID}
	item["updatedAt"] = &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339)}
	if gs.SystemPrompt != "" {
		item["systemPrompt"] = &types.AttributeValueMemberS{Value: gs.SystemPrompt}
	}
	if gs.Temperature != nil {
		item["temperature"] = &types.AttributeValueMemberN{Value: strconv.FormatFloat(*gs.Temperature, 'f', -1, 64)}
	}
	if gs.MaxTokens != nil {
		item["maxTokens"] = &types.AttributeValueMemberN{Value: strconv.Itoa(*gs.MaxTokens)}
	}
	if gs.SearchEnabled != nil {
		item["searchEnabled"] = &types.AttributeValueMemberBOOL{Value: *gs.SearchEnabled}
	}
	if gs.FilterThinking != nil {
		item["filterThinking"] = &types.AttributeValueMemberBOOL{Value: *gs.FilterThinking}
	}
	if len(gs.AllowedChannels) > 0 {
		channels := make([]types.AttributeValue, 0, len(gs.AllowedChannels))
		for _, ch := range gs.AllowedChannels {
			channels = append(channels, &types.AttributeValueMemberS{Value: ch})
		}
		item["allowedChannels"] = &types.AttributeValueMemberL{Value: channels}
	}
	return item
}

func itemToGuildSettings(item map[string]types.AttributeValue) (domain.GuildSettings, error) {
	id, err := strAttr(item, "guildId")
	if err != nil {
		return domain.GuildSettings{}, err
	}
	gs := domain.GuildSettings{GuildID: id}
	if _, ok := item["systemPrompt"]; ok {
		if gs.SystemPrompt, err = strAttr(item, "systemPrompt"); err != nil {
			return domain.GuildSettings{}, err
		}
	}
	if _, ok := item["temperature"]; ok {
		v, err := floatAttr(item, "temperature")
		if err != nil {
			return domain.GuildSettings{}, err
		}
		gs.Temperature = &v
	}
	if _, ok := item["maxTokens"]; ok {
		v, err := intAttr(item, "maxTokens")
		if err != nil {
			return domain.GuildSettings{}, err
		}
		gs.MaxTokens = &v
	}
	if v, ok := boolAttr(item, "searchEnabled"); ok {
		gs.SearchEnabled = &v
	}
	if v, ok := boolAttr(item, "filterThinking"); ok {
		gs.FilterThinking = &v
	}
	if l, ok := item["allowedChannels"].(*types.AttributeValueMemberL); ok {
		for _, v := range l.Value {
			if s, ok := v.(*types.AttributeValueMemberS); ok {
				gs.AllowedChannels = append(gs.AllowedChannels, s.Value)
			}
		}
	}
	return gs, nil
}

func sessionStatsItem(id string, st domain.SessionStats, now time.Time) map[string]types.AttributeValue {
	item := itemKey(pkStats, sessionSK(id))
	item["sessionId"] = &types.AttributeValueMemberS{Value: id}
	item["totalMessages"] = &types.AttributeValueMemberN{Value: strconv.Itoa(st.TotalMessages)}
	item["estimatedTokens"] = &types.AttributeValueMemberN{Value: strconv.Itoa(st.EstimatedTokens)}
	item["startTime"] = &types.AttributeValueMemberS{Value: st.StartTime.UTC().Format(time.RFC3339Nano)}
	if st.LastMessageTime != nil {
		item["lastMessageTime"] = &types.AttributeValueMemberS{Value: st.LastMessageTime.UTC().Format(time.RFC3339Nano)}
	}
	times := make([]types.AttributeValue, 0, len(st.ResponseTimes))
	for _, rt := range st.ResponseTimes {
		times = append(times, &types.AttributeValueMemberN{Value: strconv.FormatFloat(rt, 'f', -1, 64)})
	}
	item["responseTimes"] = &types.AttributeValueMemberL{Value: times}
	item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(ttlDuration).Unix(), 10)}
	return item
}

func itemToSessionStats(item map[string]types.AttributeValue) (string, domain.SessionStats, error) {
	id, err := strAttr(item, "sessionId")
	if err != nil {
		return "", domain.SessionStats{}, err
	}
	var st domain.SessionStats
	if st.TotalMessages, err = intAttr(item, "totalMessages"); err != nil {
		return "", domain.SessionStats{}, err
	}
	if st.EstimatedTokens, err = intAttr(item, "estimatedTokens"); err != nil {
		return "", domain.SessionStats{}, err
	}
	if st.StartTime, err = timeAttr(item, "startTime"); err != nil {
		return "", domain.SessionStats{}, err
	}
	if _, ok := item["lastMessageTime"]; ok {
		t, err := timeAttr(item, "lastMessageTime")
		if err != nil {
			return "", domain.SessionStats{}, err
		}
		st.LastMessageTime = &t
	}
	if l, ok := item["responseTimes"].(*types.AttributeValueMemberL); ok {
		for _, v := range l.Value {
			n, ok := v.(*types.AttributeValueMemberN)
			if !ok {
				return "", domain.SessionStats{}, errors.New("repository: responseTimes entry is not a number")
			}
			f, err := strconv.ParseFloat(n.Value, 64)
			if err != nil {
				return "", domain.SessionStats{}, fmt.Errorf("repository: parse responseTimes: %w", err)
			}
			st.ResponseTimes = append(st.ResponseTimes, f)
		}
	}
	return id, st, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func numAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a number", key)
	}
	return n.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	raw, err := numAttr(item, key)
	if err != nil {
		return 0, err
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func floatAttr(item map[string]types.AttributeValue, key string) (float64, error) {
	raw, err := numAttr(item, key)
	if err != nil {
		return 0, err
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func boolAttr(item map[string]types.AttributeValue, key string) (bool, bool) {
	b, ok := item[key].(*types.AttributeValueMemberBOOL)
	if !ok {
		return false, false
	}
	return b.Value, true
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	raw, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}
