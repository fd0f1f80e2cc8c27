package ux

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	eve "notesync.evalgo.org/common"
)

const (
	graphRoot  = "https://graph.microsoft.com/v1.0"
	batchLimit = 10
)

var userSelectFields = []string{
	"id", "displayName", "userPrincipalName", "mailNickname", "mail", "jobTitle", "department",
}

type usersPage struct {
	Value    []User `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

// FetchAllUsers pages every user out of the directory, honoring an
// optional OData $filter, sleeping Limiter.PageSleep between pages and
// following @odata.nextLink until exhausted (spec §4.8 / original
// fetch_all_users).
func (c *Client) FetchAllUsers(ctx context.Context, filter string) ([]User, error) {
	url := fmt.Sprintf("%s/users?$select=%s&$top=%d", c.BaseURL, strings.Join(userSelectFields, ","), c.Limiter.PageSize)
	if filter != "" {
		url += "&$filter=" + filter
	}

	var users []User
	for url != "" {
		data, _, err := c.Do(ctx, "GET", url, nil)
		if err != nil {
			return nil, fmt.Errorf("ux: fetch users page: %w", err)
		}
		var page usersPage
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, fmt.Errorf("ux: decode users page: %w", err)
		}
		users = append(users, page.Value...)
		eve.Logger.WithField("total", len(users)).WithField("page_sleep", c.Limiter.PageSleep).Info("ux: fetched users page")
		url = page.NextLink
		if url != "" {
			time.Sleep(c.Limiter.PageSleep)
		}
	}
	return users, nil
}

type batchRequest struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	URL    string `json:"url"`
}

type batchBody struct {
	Requests []batchRequest `json:"requests"`
}

type batchResponseItem struct {
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

type batchResponse struct {
	Responses []batchResponseItem `json:"responses"`
}

type managerBody struct {
	ID string `json:"id"`
}

type pendingManagerLookup struct {
	userID       string
	attemptsLeft int
}

// subResponseRetryDelay honors a throttled $batch sub-response's own
// Retry-After header, falling back to a uniform 1-3s jitter when the
// sub-response carries none (spec §4.7).
func subResponseRetryDelay(headers map[string]string) time.Duration {
	for k, v := range headers {
		if strings.EqualFold(k, "Retry-After") {
			if secs, err := strconv.ParseFloat(v, 64); err == nil {
				return time.Duration(secs * float64(time.Second))
			}
		}
	}
	return time.Duration(1000+rand.Intn(2000)) * time.Millisecond
}

// BatchGetManagers resolves each user's manager id via Graph's $batch
// endpoint, chunking requests by batchLimit and requeuing throttled
// sub-responses up to 8 attempts each before giving up on that one user
// (spec_full §11 / original batch_get_managers). A 404 or 204
// sub-response means "no manager" and resolves to "".
func (c *Client) BatchGetManagers(ctx context.Context, userIDs []string) (map[string]string, error) {
	managerOf := make(map[string]string, len(userIDs))
	queue := make([]pendingManagerLookup, 0, len(userIDs))
	for _, id := range userIDs {
		queue = append(queue, pendingManagerLookup{userID: id, attemptsLeft: maxAttempts})
	}

	for len(queue) > 0 {
		chunk := queue[:min(batchLimit, len(queue))]
		queue = queue[len(chunk):]

		body := batchBody{Requests: make([]batchRequest, len(chunk))}
		idToUser := make(map[string]pendingManagerLookup, len(chunk))
		for i, p := range chunk {
			rid := fmt.Sprintf("%d", i+1)
			body.Requests[i] = batchRequest{ID: rid, Method: "GET", URL: fmt.Sprintf("/users/%s/manager?$select=id,displayName", p.userID)}
			idToUser[rid] = p
		}

		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		data, _, err := c.Do(ctx, "POST", c.BaseURL+"/$batch", strings.NewReader(string(payload)))
		if err != nil {
			return nil, fmt.Errorf("ux: batch manager lookup: %w", err)
		}

		var resp batchResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("ux: decode batch response: %w", err)
		}

		for _, item := range resp.Responses {
			pending, ok := idToUser[item.ID]
			if !ok {
				continue
			}
			switch {
			case item.Status == 200:
				var mb managerBody
				if err := json.Unmarshal(item.Body, &mb); err == nil && mb.ID != "" {
					managerOf[pending.userID] = mb.ID
				} else {
					managerOf[pending.userID] = ""
				}
			case item.Status == 404 || item.Status == 204:
				managerOf[pending.userID] = ""
			case item.Status == 429 || item.Status == 503 || item.Status == 504:
				c.Limiter.NoteServiceError()
				if pending.attemptsLeft > 1 {
					time.Sleep(subResponseRetryDelay(item.Headers))
					queue = append(queue, pendingManagerLookup{userID: pending.userID, attemptsLeft: pending.attemptsLeft - 1})
				} else {
					eve.Logger.WithField("user_id", pending.userID).Error("ux: $batch manager lookup exhausted retries")
					managerOf[pending.userID] = ""
				}
			default:
				eve.Logger.WithField("user_id", pending.userID).WithField("status", item.Status).Error("ux: $batch manager lookup failed")
				managerOf[pending.userID] = ""
			}
		}
		time.Sleep(interBatchSleep)
	}

	return managerOf, nil
}
