package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"deskflow/internal/models"
	"deskflow/internal/services"
)

func newAutomationTestRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:automation_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&models.User{}, &models.Ticket{}, &models.TicketComment{}, &models.TicketStatus{},
		&models.Notification{}, &models.AutomationRule{}, &models.AutomationRun{},
	))

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	ticketSvc := services.NewTicketService(db, logger)
	notifySvc := services.NewNotificationService(db, logger, services.NotificationConfig{})
	ruleSvc := services.NewRuleService(db, logger)
	boundary := services.NewTicketBoundary(ticketSvc)
	executor := services.NewActionExecutor(boundary, notifySvc, logger, time.Second)
	orchestrator := services.NewOrchestrator(db, ruleSvc, executor, boundary, logger, services.OrchestratorConfig{QueueSize: 16})

	r := gin.New()
	api := r.Group("/api")
	RegisterAutomationRoutes(api, NewAutomationHandler(ruleSvc, orchestrator))
	return r, db
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAutomationHandler_CreateAndGetRule(t *testing.T) {
	r, _ := newAutomationTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/automation/rules", gin.H{
		"name":         "urgent assign",
		"trigger_type": "ticket_created",
		"conditions": []gin.H{
			{"field": "priority", "operator": "equals", "value": "urgent"},
		},
		"actions": []gin.H{
			{"type": "assign_ticket", "parameters": gin.H{"assignee": "agent-42"}},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created models.AutomationRule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.True(t, created.IsActive)
	assert.EqualValues(t, 0, created.ExecutionCount)

	w = doJSON(t, r, http.MethodGet, "/api/automation/rules/1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/automation/rules/999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAutomationHandler_CreateRule_RejectsUnknownEnums(t *testing.T) {
	r, _ := newAutomationTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/automation/rules", gin.H{
		"name":         "bad",
		"trigger_type": "ticket_destroyed",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/automation/rules", gin.H{
		"name":         "bad op",
		"trigger_type": "ticket_created",
		"conditions": []gin.H{
			{"field": "priority", "operator": "regex", "value": ".*"},
		},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAutomationHandler_Toggle(t *testing.T) {
	r, db := newAutomationTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/automation/rules", gin.H{
		"name":         "toggle target",
		"trigger_type": "comment_added",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/automation/rules/1/toggle", gin.H{"active": false})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var rule models.AutomationRule
	require.NoError(t, db.First(&rule, 1).Error)
	assert.False(t, rule.IsActive)
}

func TestAutomationHandler_TemplatesAndClone(t *testing.T) {
	r, db := newAutomationTestRouter(t)

	w := doJSON(t, r, http.MethodGet, "/api/automation/templates", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var templates []models.RuleTemplate
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &templates))
	require.NotEmpty(t, templates)

	w = doJSON(t, r, http.MethodPost, "/api/automation/templates/"+templates[0].Code+"/clone", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var rule models.AutomationRule
	require.NoError(t, db.First(&rule, 1).Error)
	assert.False(t, rule.IsActive, "clones start inactive")

	w = doJSON(t, r, http.MethodPost, "/api/automation/templates/nope/clone", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAutomationHandler_TestRule(t *testing.T) {
	r, db := newAutomationTestRouter(t)

	require.NoError(t, db.Create(&models.User{Username: "cust", Email: "c@example.com"}).Error)
	require.NoError(t, db.Create(&models.Ticket{
		Title: "t", CustomerID: 1, Category: "technical", Priority: "urgent", Status: "open",
	}).Error)

	w := doJSON(t, r, http.MethodPost, "/api/automation/rules", gin.H{
		"name":         "dry run",
		"trigger_type": "ticket_created",
		"conditions": []gin.H{
			{"field": "priority", "operator": "equals", "value": "urgent"},
		},
		"actions": []gin.H{
			{"type": "add_tag", "parameters": gin.H{"tag": "vip"}},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/automation/rules/1/test", gin.H{"ticket_id": 1})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result services.TestRuleResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.MatchesTrigger)
	assert.True(t, result.MatchesConditions)
	assert.True(t, result.ShouldExecute)

	// 试运行不得污染工单或计数
	var ticket models.Ticket
	require.NoError(t, db.First(&ticket, 1).Error)
	assert.Empty(t, ticket.Tags)
	var rule models.AutomationRule
	require.NoError(t, db.First(&rule, 1).Error)
	assert.EqualValues(t, 0, rule.ExecutionCount)
}

func TestAutomationHandler_ListRuns(t *testing.T) {
	r, db := newAutomationTestRouter(t)

	for _, run := range []models.AutomationRun{
		{RuleID: 1, TicketID: 1, Status: models.RunStatusFired},
		{RuleID: 1, TicketID: 2, Status: models.RunStatusFailed},
	} {
		require.NoError(t, db.Create(&run).Error)
	}

	w := doJSON(t, r, http.MethodGet, "/api/automation/runs?status=failed", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp PaginatedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.EqualValues(t, 1, resp.Total)
}
