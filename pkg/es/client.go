// Package es 提供了会话搜索索引的 Elasticsearch 客户端。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"advisor-go/internal/config"
	"advisor-go/internal/model"
	"advisor-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// 搜索结果的上限，和 SQL 路径一样只取一页。
const maxHits = 1000

// title/preview 用 keyword 存原文，搜索时做不区分大小写的子串匹配，
// 这样和 SQL 的 LOWER() LIKE 结果一致。
const conversationMapping = `{
	"mappings": {
		"properties": {
			"conversation_id": { "type": "long" },
			"user_id": { "type": "keyword" },
			"character_id": { "type": "keyword" },
			"title": { "type": "keyword" },
			"preview": { "type": "keyword" },
			"is_bookmarked": { "type": "boolean" },
			"last_message_at": { "type": "date" }
		}
	}
}`

// NewClient 创建 Elasticsearch 客户端。
func NewClient(esCfg config.ElasticsearchConfig) (*elasticsearch.Client, error) {
	cfg := elasticsearch.Config{
		Addresses: strings.Split(esCfg.Addresses, ","),
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	return elasticsearch.NewClient(cfg)
}

// ConversationIndex 是会话的搜索索引，实现 service.ConversationSearcher。
type ConversationIndex struct {
	client *elasticsearch.Client
	index  string
}

// InitES 连接 Elasticsearch 并确保会话索引存在。
func InitES(esCfg config.ElasticsearchConfig) (*ConversationIndex, error) {
	client, err := NewClient(esCfg)
	if err != nil {
		return nil, err
	}
	idx := NewConversationIndex(client, esCfg.IndexName)
	if err := idx.EnsureIndex(context.Background()); err != nil {
		return nil, err
	}
	return idx, nil
}

// NewConversationIndex 包装已有的客户端。
func NewConversationIndex(client *elasticsearch.Client, index string) *ConversationIndex {
	return &ConversationIndex{client: client, index: index}
}

// EnsureIndex 检查索引是否存在，如果不存在则创建它。
func (c *ConversationIndex) EnsureIndex(ctx context.Context) error {
	res, err := c.client.Indices.Exists([]string{c.index}, c.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", c.index)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("检查索引 '%s' 时收到意外的状态码: %d", c.index, res.StatusCode)
	}

	res, err = c.client.Indices.Create(
		c.index,
		c.client.Indices.Create.WithBody(strings.NewReader(conversationMapping)),
		c.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", c.index, err)
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", c.index, res.String())
		return errors.New("创建索引时 Elasticsearch 返回错误")
	}

	log.Infof("索引 '%s' 创建成功", c.index)
	return nil
}

// Upsert 写入或覆盖一个会话文档，文档 ID 就是会话 ID。
func (c *ConversationIndex) Upsert(ctx context.Context, doc model.ConversationDocument) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	req := esapi.IndexRequest{
		Index:      c.index,
		DocumentID: strconv.FormatUint(uint64(doc.ConversationID), 10),
		Body:       bytes.NewReader(body),
		Refresh:    "true",
	}
	res, err := req.Do(ctx, c.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("索引会话到 Elasticsearch 出错: %s", res.String())
		return fmt.Errorf("failed to index conversation %d", doc.ConversationID)
	}
	return nil
}

// Delete 删除一个会话文档，文档不存在不算错误。
func (c *ConversationIndex) Delete(ctx context.Context, conversationID uint) error {
	req := esapi.DeleteRequest{
		Index:      c.index,
		DocumentID: strconv.FormatUint(uint64(conversationID), 10),
		Refresh:    "true",
	}
	res, err := req.Do(ctx, c.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("failed to delete conversation %d from index: %s", conversationID, res.String())
	}
	return nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source model.ConversationDocument `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search 返回 userID 名下标题或预览包含 query 的会话 ID，按最近消息时间倒序。
func (c *ConversationIndex) Search(ctx context.Context, userID, query string) ([]uint, error) {
	pattern := "*" + escapeWildcard(query) + "*"
	body := map[string]any{
		"size":    maxHits,
		"_source": []string{"conversation_id"},
		"query": map[string]any{
			"bool": map[string]any{
				"filter": []any{
					map[string]any{"term": map[string]any{"user_id": userID}},
				},
				"should": []any{
					wildcard("title", pattern),
					wildcard("preview", pattern),
				},
				"minimum_should_match": 1,
			},
		},
		"sort": []any{
			map[string]any{"last_message_at": "desc"},
			map[string]any{"conversation_id": "desc"},
		},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, err
	}

	res, err := c.client.Search(
		c.client.Search.WithContext(ctx),
		c.client.Search.WithIndex(c.index),
		c.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch search error: %s", res.String())
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	ids := make([]uint, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		ids = append(ids, h.Source.ConversationID)
	}
	return ids, nil
}

func wildcard(field, pattern string) map[string]any {
	return map[string]any{
		"wildcard": map[string]any{
			field: map[string]any{"value": pattern, "case_insensitive": true},
		},
	}
}

// escapeWildcard 转义 wildcard 查询里的元字符，让 query 按字面匹配。
func escapeWildcard(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`)
	return r.Replace(s)
}
