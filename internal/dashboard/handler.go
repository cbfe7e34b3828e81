// handler.go — 面板路由与 handler。
package dashboard

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codexmonitor/threadsync/internal/actions"
	apperrors "github.com/codexmonitor/threadsync/pkg/errors"
)

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		success(c, gin.H{"status": "ok"})
	})
	s.router.GET("/api/events", s.sseHandler)

	api := s.router.Group("/api")
	{
		api.GET("/snapshot", s.getSnapshot)
		api.GET("/debug/recent", s.getRecentDebug)

		ws := api.Group("/workspaces/:workspaceId")
		{
			ws.GET("/threads", s.listThreads)
			ws.POST("/threads", s.startThread)
			ws.POST("/threads/refresh", s.refreshThreads)
			ws.POST("/threads/older", s.loadOlderThreads)
			ws.GET("/ratelimits", s.getRateLimits)
		}

		th := api.Group("/threads/:threadId")
		{
			th.GET("", s.getThread)
			th.GET("/items", s.getThreadItems)
			th.POST("/resume", s.resumeThread)
			th.POST("/messages", s.sendMessage)
			th.POST("/interrupt", s.interruptThread)
			th.POST("/archive", s.archiveThread)
			th.POST("/rename", s.renameThread)
			th.POST("/pin", s.pinThread)
			th.POST("/unpin", s.unpinThread)
			th.POST("/activate", s.activateThread)
		}

		api.GET("/approvals", s.listApprovals)
		api.POST("/approvals/:requestId", s.resolveApproval)
		api.GET("/userinputs", s.listUserInputs)
		api.POST("/userinputs/:requestId", s.resolveUserInput)
	}
}

func (s *Server) getSnapshot(c *gin.Context) {
	success(c, s.store.Snapshot())
}

func (s *Server) getRecentDebug(c *gin.Context) {
	success(c, s.bus.Recent())
}

// workspaceForThread 由线程反查工作区, 线程未知时报 404。
func (s *Server) workspaceForThread(c *gin.Context, threadID string) (string, bool) {
	workspaceID := s.store.WorkspaceIDForThread(threadID)
	if workspaceID == "" {
		notFound(c, "unknown thread "+threadID)
		return "", false
	}
	return workspaceID, true
}

func respondActionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, apperrors.ErrInvalidInput):
		badRequest(c, "validation", err.Error())
	case errors.Is(err, apperrors.ErrNotFound):
		notFound(c, err.Error())
	default:
		serverError(c, err)
	}
}

// ========================================
// 工作区级
// ========================================

func (s *Server) listThreads(c *gin.Context) {
	workspaceID := c.Param("workspaceId")
	success(c, s.store.ThreadsForWorkspace(workspaceID))
}

type refreshThreadsRequest struct {
	Path string `json:"path" binding:"required"`
}

func (s *Server) refreshThreads(c *gin.Context) {
	workspaceID := c.Param("workspaceId")
	var req refreshThreadsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "validation", err.Error())
		return
	}
	threads, err := s.actions.ListThreadsForWorkspace(c.Request.Context(), workspaceID, req.Path)
	if err != nil {
		respondActionError(c, err)
		return
	}
	success(c, threads)
}

func (s *Server) loadOlderThreads(c *gin.Context) {
	workspaceID := c.Param("workspaceId")
	var req refreshThreadsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "validation", err.Error())
		return
	}
	threads, err := s.actions.LoadOlderThreadsForWorkspace(c.Request.Context(), workspaceID, req.Path)
	if err != nil {
		respondActionError(c, err)
		return
	}
	success(c, threads)
}

type startThreadRequest struct {
	Cwd string `json:"cwd"`
}

func (s *Server) startThread(c *gin.Context) {
	workspaceID := c.Param("workspaceId")
	var req startThreadRequest
	_ = c.ShouldBindJSON(&req)
	threadID, err := s.actions.Start(c.Request.Context(), workspaceID, req.Cwd)
	if err != nil {
		respondActionError(c, err)
		return
	}
	success(c, gin.H{"threadId": threadID})
}

func (s *Server) getRateLimits(c *gin.Context) {
	workspaceID := c.Param("workspaceId")
	limits, ok := s.store.RateLimits(workspaceID)
	if !ok {
		notFound(c, "no rate limits for workspace "+workspaceID)
		return
	}
	success(c, limits)
}

// ========================================
// 线程级
// ========================================

func (s *Server) getThread(c *gin.Context) {
	threadID := c.Param("threadId")
	thread, ok := s.store.Thread(threadID)
	if !ok {
		notFound(c, "unknown thread "+threadID)
		return
	}
	payload := gin.H{
		"thread":     thread,
		"status":     s.store.Status(threadID),
		"tokenUsage": s.store.TokenUsage(threadID),
	}
	if plan, ok := s.store.Plan(threadID); ok {
		payload["plan"] = plan
	}
	if diff := s.store.Diff(threadID); diff != "" {
		payload["diff"] = diff
	}
	success(c, payload)
}

func (s *Server) getThreadItems(c *gin.Context) {
	success(c, s.store.ItemsByThread(c.Param("threadId")))
}

type resumeThreadRequest struct {
	Force        bool `json:"force"`
	ReplaceLocal bool `json:"replaceLocal"`
}

func (s *Server) resumeThread(c *gin.Context) {
	threadID := c.Param("threadId")
	workspaceID, ok := s.workspaceForThread(c, threadID)
	if !ok {
		return
	}
	var req resumeThreadRequest
	_ = c.ShouldBindJSON(&req)
	err := s.actions.Resume(c.Request.Context(), workspaceID, threadID, actions.ResumeOptions{
		Force:        req.Force,
		ReplaceLocal: req.ReplaceLocal,
	})
	if err != nil {
		respondActionError(c, err)
		return
	}
	success(c, gin.H{"threadId": threadID, "items": s.store.ItemCount(threadID)})
}

type sendMessageRequest struct {
	Text string `json:"text" binding:"required"`
}

func (s *Server) sendMessage(c *gin.Context) {
	threadID := c.Param("threadId")
	workspaceID, ok := s.workspaceForThread(c, threadID)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "validation", err.Error())
		return
	}
	if err := s.actions.SendMessage(c.Request.Context(), workspaceID, threadID, req.Text); err != nil {
		respondActionError(c, err)
		return
	}
	success(c, gin.H{"threadId": threadID})
}

func (s *Server) interruptThread(c *gin.Context) {
	threadID := c.Param("threadId")
	workspaceID, ok := s.workspaceForThread(c, threadID)
	if !ok {
		return
	}
	if err := s.actions.Interrupt(c.Request.Context(), workspaceID, threadID); err != nil {
		respondActionError(c, err)
		return
	}
	success(c, gin.H{"threadId": threadID})
}

func (s *Server) archiveThread(c *gin.Context) {
	threadID := c.Param("threadId")
	workspaceID, ok := s.workspaceForThread(c, threadID)
	if !ok {
		return
	}
	if err := s.actions.Archive(c.Request.Context(), workspaceID, threadID); err != nil {
		respondActionError(c, err)
		return
	}
	success(c, gin.H{"threadId": threadID})
}

type renameThreadRequest struct {
	Name string `json:"name"`
}

func (s *Server) renameThread(c *gin.Context) {
	threadID := c.Param("threadId")
	workspaceID, ok := s.workspaceForThread(c, threadID)
	if !ok {
		return
	}
	var req renameThreadRequest
	_ = c.ShouldBindJSON(&req)
	s.actions.Rename(c.Request.Context(), workspaceID, threadID, req.Name)
	thread, _ := s.store.Thread(threadID)
	success(c, thread)
}

func (s *Server) pinThread(c *gin.Context) {
	threadID := c.Param("threadId")
	workspaceID, ok := s.workspaceForThread(c, threadID)
	if !ok {
		return
	}
	s.actions.Pin(c.Request.Context(), workspaceID, threadID, time.Now().UnixMilli())
	success(c, gin.H{"threadId": threadID})
}

func (s *Server) unpinThread(c *gin.Context) {
	threadID := c.Param("threadId")
	workspaceID, ok := s.workspaceForThread(c, threadID)
	if !ok {
		return
	}
	s.actions.Unpin(c.Request.Context(), workspaceID, threadID)
	success(c, gin.H{"threadId": threadID})
}

func (s *Server) activateThread(c *gin.Context) {
	threadID := c.Param("threadId")
	workspaceID, ok := s.workspaceForThread(c, threadID)
	if !ok {
		return
	}
	if err := s.actions.SetActiveThread(c.Request.Context(), workspaceID, threadID); err != nil {
		respondActionError(c, err)
		return
	}
	success(c, gin.H{"threadId": threadID})
}

// ========================================
// 审批与用户输入
// ========================================

func (s *Server) listApprovals(c *gin.Context) {
	success(c, s.store.PendingApprovals())
}

type approvalDecisionRequest struct {
	Decision string `json:"decision" binding:"required"`
	Remember bool   `json:"remember"`
}

func (s *Server) resolveApproval(c *gin.Context) {
	var req approvalDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "validation", err.Error())
		return
	}
	if err := s.actions.ResolveApproval(c.Param("requestId"), req.Decision, req.Remember); err != nil {
		respondActionError(c, err)
		return
	}
	success(c, gin.H{"requestId": c.Param("requestId")})
}

func (s *Server) listUserInputs(c *gin.Context) {
	success(c, s.store.PendingUserInputs())
}

type userInputAnswerRequest struct {
	Answers map[string]any `json:"answers" binding:"required"`
}

func (s *Server) resolveUserInput(c *gin.Context) {
	var req userInputAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "validation", err.Error())
		return
	}
	if err := s.actions.SubmitUserInput(c.Param("requestId"), req.Answers); err != nil {
		respondActionError(c, err)
		return
	}
	success(c, gin.H{"requestId": c.Param("requestId")})
}
