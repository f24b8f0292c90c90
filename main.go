package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Global application state, wired up in main
var (
	apiClient    *Client
	council      *Council
	appConfig    *FileConfig
	catalogCache *CatalogCache
)

func main() {
	// Load configuration
	LoadConfig()

	// Load councils file and price book
	fileConfig, err := LoadCouncils(CouncilsFile)
	if err != nil {
		log.Fatalf("Failed to load councils: %v", err)
	}
	appConfig = fileConfig
	if appConfig.Pricing != "" {
		PricingFile = appConfig.Pricing
	}
	book, err := LoadPriceBook(PricingFile)
	if err != nil {
		log.Fatalf("Failed to load price book: %v", err)
	}

	// Wire up the engine
	apiClient = NewClient(OpenRouterAPIKey)
	council = NewCouncil(apiClient, WithPricing(book))
	catalogCache = NewCatalogCache(CatalogCacheTTL)

	// Start server
	router := setupRouter()
	log.Println("Starting Model Council backend on port 8001...")
	if err := router.Run(":8001"); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// setupRouter builds the Gin engine with middleware and all routes.
func setupRouter() *gin.Engine {
	router := gin.Default()

	// Request size limit middleware
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxRequestBodySize)
		c.Next()
	})

	// CORS middleware with dynamic origin validation
	router.Use(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			// In production, use environment-configured origins
			if len(CORSAllowedOrigins) > 0 && CORSAllowedOrigins[0] != "" {
				for _, allowedOrigin := range CORSAllowedOrigins {
					if origin == allowedOrigin {
						return true
					}
				}
				return false
			}
			// In development, allow any localhost/127.0.0.1 origin
			return len(origin) > 0 && (len(origin) >= 16 && origin[:16] == "http://localhost" ||
				len(origin) >= 14 && origin[:14] == "http://127.0.0")
		},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
	}))

	// Routes
	router.GET("/", healthCheck)
	router.GET("/api/models", getModelsHandler)
	router.POST("/api/estimate", estimateCostHandler)
	router.GET("/api/councils", listCouncilsHandler)
	router.GET("/api/sessions", listSessionsHandler)
	router.POST("/api/sessions", createSessionHandler)
	router.GET("/api/sessions/:id", getSessionHandler)
	router.DELETE("/api/sessions/:id", deleteSessionHandler)
	router.POST("/api/sessions/:id/ask", askHandler)
	router.POST("/api/sessions/:id/ask/stream", askStreamHandler)
	router.POST("/api/fetch-url", fetchURLHandler)

	return router
}

// healthCheck returns a simple health check response.
// GET / - Returns service status information.
func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "Model Council API",
	})
}

// getModelsHandler returns the backend's model catalog with caching.
// GET /api/models - Query params: ?refresh=true (force cache refresh).
func getModelsHandler(c *gin.Context) {
	// Check for refresh parameter
	forceRefresh := c.Query("refresh") == "true"

	// Try to get from cache first (unless refresh requested)
	if !forceRefresh {
		if cached, ok := catalogCache.Get(); ok {
			c.JSON(http.StatusOK, CatalogResponse{
				Models:      cached,
				LastUpdated: catalogCache.GetLastUpdated(),
				Cached:      true,
			})
			return
		}
	}

	// Fetch fresh catalog
	models, err := apiClient.ListModels(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error": fmt.Sprintf("Failed to fetch model catalog: %v", err),
		})
		return
	}

	// Update cache
	catalogCache.Set(models)
	log.Printf("Cached %d catalog models", len(models))

	c.JSON(http.StatusOK, CatalogResponse{
		Models:      models,
		LastUpdated: time.Now(),
		Cached:      false,
	})
}

// estimateCostHandler prices a hypothetical token usage for one model.
// POST /api/estimate - Body: {"model": "...", "total_tokens": N}.
func estimateCostHandler(c *gin.Context) {
	var request EstimateRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, EstimateResponse{
		Model:         request.Model,
		TotalTokens:   request.TotalTokens,
		EstimatedCost: council.EstimateCost(request.Model, request.TotalTokens),
	})
}

// listCouncilsHandler lists every configured council.
// GET /api/councils - Returns council summaries plus the default name.
func listCouncilsHandler(c *gin.Context) {
	summaries := make([]CouncilSummary, 0)
	if len(appConfig.Models) > 0 {
		summaries = append(summaries, councilSummary("default", appConfig.CouncilConfig, appConfig.DefaultCouncil == ""))
	}

	names := make([]string, 0, len(appConfig.Councils))
	for name := range appConfig.Councils {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		summaries = append(summaries, councilSummary(name, appConfig.Councils[name], name == appConfig.DefaultCouncil))
	}

	c.JSON(http.StatusOK, gin.H{
		"councils": summaries,
		"default":  appConfig.DefaultCouncil,
	})
}

func councilSummary(name string, cfg CouncilConfig, isDefault bool) CouncilSummary {
	models := make([]string, len(cfg.Models))
	for i, ref := range cfg.Models {
		models[i] = ref.ID
	}
	return CouncilSummary{
		Name:      name,
		Models:    models,
		Rounds:    effectiveRounds(cfg),
		Synthesis: cfg.Defaults.Single,
		IsDefault: isDefault,
	}
}

// listSessionsHandler lists all sessions with metadata only.
// GET /api/sessions - Returns array of session metadata sorted by date.
func listSessionsHandler(c *gin.Context) {
	sessions, err := ListSessions()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to list sessions: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, sessions)
}

// createSessionHandler creates a new session.
// POST /api/sessions - Body: {"council": "..."} (optional). Generates a new
// UUID and binds the session to the resolved council.
func createSessionHandler(c *gin.Context) {
	var request CreateSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("Invalid request: %v", err),
			})
			return
		}
	}

	// Validate the council before creating anything
	_, councilName, err := appConfig.Resolve(request.Council)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	// Create session
	session, err := CreateSession(uuid.New().String(), councilName)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to create session: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, session)
}

// getSessionHandler gets a specific session by ID.
// GET /api/sessions/:id - Returns the full session including all exchanges.
func getSessionHandler(c *gin.Context) {
	sessionID := c.Param("id")

	session, err := GetSession(sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get session: %v", err),
		})
		return
	}

	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Session not found",
		})
		return
	}

	c.JSON(http.StatusOK, session)
}

// deleteSessionHandler removes a session.
// DELETE /api/sessions/:id
func deleteSessionHandler(c *gin.Context) {
	sessionID := c.Param("id")

	session, err := GetSession(sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get session: %v", err),
		})
		return
	}
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Session not found",
		})
		return
	}

	if err := DeleteSession(sessionID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to delete session: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": sessionID})
}

// askHandler puts a prompt to the session's council and waits for the full
// deliberation. POST /api/sessions/:id/ask - Returns every round, the
// optional synthesis, and the session roll-up at once; 502 when every
// member of the final round failed. Use askStreamHandler for the SSE
// streaming version.
func askHandler(c *gin.Context) {
	sessionID := c.Param("id")

	// Parse request
	var request AskRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	// Check if session exists
	session, err := GetSession(sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get session: %v", err),
		})
		return
	}
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Session not found",
		})
		return
	}

	// Resolve the council: an explicit request choice overrides the
	// session's binding
	requested := request.Council
	if requested == "" {
		requested = session.Council
	}
	cfg, councilName, err := appConfig.Resolve(requested)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	// Augment the prompt with page context when requested
	prompt := request.Prompt
	if request.ContextURL != "" {
		page, err := FetchPageContext(c.Request.Context(), request.ContextURL)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{
				"error": fmt.Sprintf("Failed to fetch context URL: %v", err),
			})
			return
		}
		prompt = promptWithContext(request.Prompt, page)
	}

	isFirstExchange := len(session.Exchanges) == 0

	// Run the deliberation; client disconnect cancels it
	response, err := council.QueryWithConsensus(c.Request.Context(), prompt, cfg)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Council process failed: %v", err),
		})
		return
	}

	// Persist the exchange under the user's original prompt
	if err := AppendExchange(sessionID, Exchange{
		Prompt:   request.Prompt,
		AskedAt:  time.Now().UTC(),
		Response: *response,
	}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to save exchange: %v", err),
		})
		return
	}

	// Generate title if first exchange (run in background)
	if isFirstExchange {
		go generateTitleInBackground(sessionID, request.Prompt, nil)
	}

	status := http.StatusOK
	if !response.AnySuccess() {
		status = http.StatusBadGateway
	}
	c.JSON(status, AskResponse{
		SessionID: sessionID,
		Council:   councilName,
		Response:  response,
	})
}

// askStreamHandler puts a prompt to the session's council and streams the
// deliberation via SSE. POST /api/sessions/:id/ask/stream - Events: start,
// context_loaded, progress (per member per round), round_complete,
// synthesis_complete, title_complete, complete, error.
func askStreamHandler(c *gin.Context) {
	sessionID := c.Param("id")

	// Parse request
	var request AskRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	// Check if session exists
	session, err := GetSession(sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get session: %v", err),
		})
		return
	}
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Session not found",
		})
		return
	}

	// Resolve the council
	requested := request.Council
	if requested == "" {
		requested = session.Council
	}
	cfg, councilName, err := appConfig.Resolve(requested)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	// Set SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	// Augment the prompt with page context when requested
	prompt := request.Prompt
	if request.ContextURL != "" {
		page, err := FetchPageContext(c.Request.Context(), request.ContextURL)
		if err != nil {
			sendSSEError(c, fmt.Sprintf("Failed to fetch context URL: %v", err))
			return
		}
		prompt = promptWithContext(request.Prompt, page)
		sendSSEEvent(c, gin.H{"type": "context_loaded", "url": page.URL, "title": page.Title})
	}

	isFirstExchange := len(session.Exchanges) == 0

	// Start title generation in background if first exchange
	var titleChan chan string
	if isFirstExchange {
		titleChan = make(chan string, 1)
		go generateTitleInBackground(sessionID, request.Prompt, titleChan)
	}

	sendSSEEvent(c, gin.H{
		"type":    "start",
		"council": councilName,
		"rounds":  effectiveRounds(cfg),
		"models":  len(cfg.Models),
	})

	// Progress events are delivered on one reporter goroutine, and the
	// engine flushes it before returning, so these writes never interleave
	// with the ones below.
	observer := func(round int, model string, status ProgressStatus) {
		sendSSEEvent(c, gin.H{
			"type":   "progress",
			"round":  round,
			"model":  model,
			"status": status,
		})
	}

	response, err := council.WithObserver(observer).QueryWithConsensus(c.Request.Context(), prompt, cfg)
	if err != nil {
		sendSSEError(c, fmt.Sprintf("Council process failed: %v", err))
		return
	}

	for i, round := range response.Rounds {
		sendSSEEvent(c, gin.H{"type": "round_complete", "round": i + 1, "data": round})
	}
	if response.Synthesis != nil {
		sendSSEEvent(c, gin.H{"type": "synthesis_complete", "data": response.Synthesis})
	}

	// Wait for title if it was being generated
	if titleChan != nil {
		if title := <-titleChan; title != "" {
			sendSSEEvent(c, gin.H{"type": "title_complete", "data": gin.H{"title": title}})
		}
	}

	// Persist the exchange under the user's original prompt
	if err := AppendExchange(sessionID, Exchange{
		Prompt:   request.Prompt,
		AskedAt:  time.Now().UTC(),
		Response: *response,
	}); err != nil {
		sendSSEError(c, fmt.Sprintf("Failed to save exchange: %v", err))
		return
	}

	// Send completion event
	sendSSEEvent(c, gin.H{
		"type":        "complete",
		"any_success": response.AnySuccess(),
		"metadata":    response.Metadata,
	})
}

// generateTitleInBackground generates and stores a session title from its
// first prompt. When ch is non-nil the title is delivered there as well;
// the channel is always closed.
func generateTitleInBackground(sessionID, prompt string, ch chan string) {
	if ch != nil {
		defer close(ch)
	}

	ctx, cancel := context.WithTimeout(context.Background(), TitleGenTimeout)
	defer cancel()

	title, err := council.GenerateSessionTitle(ctx, prompt)
	if err != nil {
		log.Printf("Failed to generate title: %v", err)
		UpdateSessionTitle(sessionID, "New Session")
		return
	}
	UpdateSessionTitle(sessionID, title)
	if ch != nil {
		ch <- title
	}
}

// sendSSEEvent sends a Server-Sent Event.
// Marshals data to JSON and writes as SSE format with "data: " prefix.
func sendSSEEvent(c *gin.Context, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("Failed to marshal SSE event: %v", err)
		return
	}
	c.Writer.WriteString(fmt.Sprintf("data: %s\n\n", string(jsonData)))
	c.Writer.Flush()
}

// sendSSEError sends an error event via SSE.
// Convenience wrapper for sending error-type SSE events.
func sendSSEError(c *gin.Context, message string) {
	sendSSEEvent(c, gin.H{"type": "error", "message": message})
}

// fetchURLHandler fetches and extracts readable content from a given URL.
// POST /api/fetch-url - Body: {"url": "https://..."}
func fetchURLHandler(c *gin.Context) {
	// Parse request
	var request struct {
		URL string `json:"url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	// Fetch content
	page, err := FetchPageContext(c.Request.Context(), request.URL)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error": fmt.Sprintf("Failed to fetch URL content: %v", err),
		})
		return
	}

	// Return extracted page
	c.JSON(http.StatusOK, page)
}
