package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/annel0/claim-engine/internal/cache"
	"github.com/annel0/claim-engine/internal/cell"
	"github.com/annel0/claim-engine/internal/claim"
	"github.com/annel0/claim-engine/internal/logging"
	"github.com/annel0/claim-engine/internal/middleware"
	"github.com/annel0/claim-engine/internal/perm"
	"github.com/annel0/claim-engine/internal/planner"
	"github.com/annel0/claim-engine/internal/registry"
)

// RestServer — HTTP-поверхность движка претензий.
// Чтения идут напрямую в реестр, мутации через планировщик.
type RestServer struct {
	router   *gin.Engine
	registry *registry.Registry
	planner  *planner.Planner
	resolver *perm.Resolver
	tracker  *perm.Tracker
	lookups  cache.LookupCache // nil — без кеша
	port     string
	metrics  *ServerMetrics
}

// Config содержит зависимости REST сервера.
type Config struct {
	Port     string
	Registry *registry.Registry
	Planner  *planner.Planner
	Resolver *perm.Resolver
	Tracker  *perm.Tracker
	Lookups  cache.LookupCache // опциональный кеш привязок
}

// NewRestServer создает новый REST API сервер.
func NewRestServer(config Config) *RestServer {
	if config.Port == "" {
		config.Port = ":8088"
	}

	gin.SetMode(gin.ReleaseMode)

	router := gin.New()        // без стандартного logger/recovery
	router.Use(gin.Recovery()) // добавим только recovery

	// === Observability middleware ===
	loggerMw := middleware.NewRequestLogger()
	router.Use(loggerMw.Handler())

	router.Use(otelgin.Middleware("claim_api"))

	promMw := middleware.NewPrometheusMiddleware("claim_api")
	router.Use(promMw.Handler())
	promMw.RegisterMetricsEndpoint(router)

	server := &RestServer{
		router:   router,
		registry: config.Registry,
		planner:  config.Planner,
		resolver: config.Resolver,
		tracker:  config.Tracker,
		lookups:  config.Lookups,
		port:     config.Port,
		metrics:  NewServerMetrics(config.Registry),
	}

	server.setupRoutes()
	return server
}

// setupRoutes настраивает маршруты REST API.
func (rs *RestServer) setupRoutes() {
	// Middleware для CORS
	rs.router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	api := rs.router.Group("/api")

	// Защищенные эндпоинты (требуют JWT)
	protected := api.Group("/")
	protected.Use(middleware.AuthRequired())
	{
		protected.GET("/claims", rs.handleListClaims)
		protected.POST("/claims", rs.handleCreateClaim)
		protected.GET("/claims/:id", rs.handleGetClaim)
		protected.DELETE("/claims/:id", rs.handleDeleteClaim)
		protected.POST("/claims/:id/expand", rs.handleExpand)
		protected.POST("/claims/:id/rename", rs.handleRename)
		protected.POST("/claims/:id/members", rs.handleAddMember)
		protected.DELETE("/claims/:id/members/:player", rs.handleRemoveMember)
		protected.POST("/claims/:id/bans", rs.handleBan)
		protected.DELETE("/claims/:id/bans/:player", rs.handleUnban)
		protected.PUT("/claims/:id/overrides", rs.handleSetOverride)
		protected.POST("/claims/:id/sale", rs.handleSetSale)
		protected.POST("/claims/:id/buy", rs.handleBuy)

		protected.GET("/lookup", rs.handleLookup)
		protected.GET("/resolve", rs.handleResolve)
		protected.POST("/track/move", rs.handleMove)
		protected.POST("/track/teleport", rs.handleTeleport)

		protected.GET("/stats", rs.handleStats)

		// Административные эндпоинты (только с флагом обхода)
		admin := protected.Group("/admin")
		admin.Use(middleware.AdminRequired())
		{
			admin.POST("/claims", rs.handleAdminClaim)
			admin.POST("/claims/:id/owner", rs.handleSetOwner)
			admin.DELETE("/claims/owner/:owner", rs.handleDeleteAllOf)
			admin.POST("/overrides/reset", rs.handleResetOverrides)
		}
	}

	// Health check
	rs.router.GET("/health", rs.handleHealth)
}

// GenericResponse представляет общий ответ API.
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// CreateClaimRequest — заявка на создание претензии.
type CreateClaimRequest struct {
	World  string `json:"world" binding:"required"`
	X      int32  `json:"x"`
	Z      int32  `json:"z"`
	Radius int    `json:"radius"`
	Name   string `json:"name"`
}

func (rs *RestServer) handleCreateClaim(c *gin.Context) {
	var req CreateClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Неверный формат запроса")
		return
	}

	player := c.GetString(middleware.CtxPlayer)
	center := cell.Key{WorldID: req.World, X: req.X, Z: req.Z}

	var created *claim.Claim
	var err error
	if req.Radius > 0 {
		created, err = rs.planner.ClaimRadius(c.Request.Context(), player, center, req.Radius)
	} else {
		created, err = rs.planner.CreateClaim(c.Request.Context(), player, center, req.Name)
	}
	if err != nil {
		writeClaimError(c, err)
		return
	}

	c.JSON(http.StatusCreated, GenericResponse{
		Success: true,
		Message: "Претензия создана",
		Data:    created.Snapshot(),
	})
}

func (rs *RestServer) handleListClaims(c *gin.Context) {
	owner := c.Query("owner")
	if owner == "" {
		owner = c.GetString(middleware.CtxPlayer)
	}

	claims := rs.registry.ClaimsOf(owner)
	out := make([]*claim.Snapshot, 0, len(claims))
	for _, cl := range claims {
		out = append(out, cl.Snapshot())
	}

	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Список претензий",
		Data: map[string]interface{}{
			"owner":  owner,
			"claims": out,
			"total":  len(out),
		},
	})
}

func (rs *RestServer) handleGetClaim(c *gin.Context) {
	cl := rs.registry.ByID(c.Param("id"))
	if cl == nil {
		notFound(c)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Претензия найдена",
		Data:    cl.Snapshot(),
	})
}

func (rs *RestServer) handleDeleteClaim(c *gin.Context) {
	cl, ok := rs.authorizedClaim(c)
	if !ok {
		return
	}
	if err := rs.planner.DeleteClaim(c.Request.Context(), cl.ID()); err != nil {
		writeClaimError(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Претензия удалена"})
}

// ExpandRequest — заявка на расширение претензии.
type ExpandRequest struct {
	Cells []struct {
		X int32 `json:"x"`
		Z int32 `json:"z"`
	} `json:"cells" binding:"required"`
}

func (rs *RestServer) handleExpand(c *gin.Context) {
	cl, ok := rs.authorizedClaim(c)
	if !ok {
		return
	}

	var req ExpandRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Cells) == 0 {
		badRequest(c, "Нужен непустой список ячеек")
		return
	}

	world := cl.WorldID()
	cells := make([]cell.Key, 0, len(req.Cells))
	for _, p := range req.Cells {
		cells = append(cells, cell.Key{WorldID: world, X: p.X, Z: p.Z})
	}

	if err := rs.planner.Expand(c.Request.Context(), cl.ID(), cells); err != nil {
		writeClaimError(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Претензия расширена",
		Data:    map[string]interface{}{"cells": cl.CellCount()},
	})
}

func (rs *RestServer) handleRename(c *gin.Context) {
	cl, ok := rs.authorizedClaim(c)
	if !ok {
		return
	}

	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Неверный формат запроса")
		return
	}

	if err := rs.planner.Rename(c.Request.Context(), cl.ID(), req.Name); err != nil {
		writeClaimError(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Претензия переименована"})
}

func (rs *RestServer) handleAddMember(c *gin.Context) {
	cl, ok := rs.authorizedClaim(c)
	if !ok {
		return
	}

	var req struct {
		Player string `json:"player" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Неверный формат запроса")
		return
	}

	if err := rs.planner.AddMember(c.Request.Context(), cl.ID(), req.Player); err != nil {
		writeClaimError(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Участник добавлен"})
}

func (rs *RestServer) handleRemoveMember(c *gin.Context) {
	cl, ok := rs.authorizedClaim(c)
	if !ok {
		return
	}
	if err := rs.planner.RemoveMember(c.Request.Context(), cl.ID(), c.Param("player")); err != nil {
		writeClaimError(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Участник удалён"})
}

func (rs *RestServer) handleBan(c *gin.Context) {
	cl, ok := rs.authorizedClaim(c)
	if !ok {
		return
	}

	var req struct {
		Player string `json:"player" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Неверный формат запроса")
		return
	}

	if err := rs.planner.Ban(c.Request.Context(), cl.ID(), req.Player); err != nil {
		writeClaimError(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Игрок забанен"})
}

func (rs *RestServer) handleUnban(c *gin.Context) {
	cl, ok := rs.authorizedClaim(c)
	if !ok {
		return
	}
	if err := rs.planner.Unban(c.Request.Context(), cl.ID(), c.Param("player")); err != nil {
		writeClaimError(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Бан снят"})
}

// OverrideRequest — переопределение разрешения претензии.
type OverrideRequest struct {
	Action   string `json:"action" binding:"required"`
	Audience string `json:"audience" binding:"required"` // members | visitors
	State    string `json:"state" binding:"required"`    // allow | deny | unset
}

func (rs *RestServer) handleSetOverride(c *gin.Context) {
	cl, ok := rs.authorizedClaim(c)
	if !ok {
		return
	}

	var req OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Неверный формат запроса")
		return
	}

	action := claim.Action(req.Action)
	if !action.IsValid() {
		badRequest(c, fmt.Sprintf("Неизвестное действие: %q", req.Action))
		return
	}

	var aud claim.Audience
	switch strings.ToLower(req.Audience) {
	case "members":
		aud = claim.AudienceMembers
	case "visitors":
		aud = claim.AudienceVisitors
	default:
		badRequest(c, fmt.Sprintf("Неизвестная аудитория: %q", req.Audience))
		return
	}

	var state claim.PermState
	switch strings.ToLower(req.State) {
	case "allow":
		state = claim.PermAllow
	case "deny":
		state = claim.PermDeny
	case "unset":
		state = claim.PermUnset
	default:
		badRequest(c, fmt.Sprintf("Неизвестное состояние: %q", req.State))
		return
	}

	if err := rs.planner.SetOverride(c.Request.Context(), cl.ID(), action, aud, state); err != nil {
		writeClaimError(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Разрешение обновлено"})
}

func (rs *RestServer) handleSetSale(c *gin.Context) {
	cl, ok := rs.authorizedClaim(c)
	if !ok {
		return
	}

	var req struct {
		ForSale bool    `json:"for_sale"`
		Price   float64 `json:"price"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Неверный формат запроса")
		return
	}

	if err := rs.planner.SetSale(c.Request.Context(), cl.ID(), req.ForSale, req.Price); err != nil {
		writeClaimError(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Состояние продажи обновлено"})
}

func (rs *RestServer) handleBuy(c *gin.Context) {
	buyer := c.GetString(middleware.CtxPlayer)
	if err := rs.planner.Buy(c.Request.Context(), buyer, c.Param("id")); err != nil {
		writeClaimError(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Претензия куплена"})
}

func (rs *RestServer) handleLookup(c *gin.Context) {
	key, ok := cellFromQuery(c)
	if !ok {
		return
	}

	// Кеш привязок отвечает без обращения к реестру
	if rs.lookups != nil {
		if claimID, err := rs.lookups.Get(c.Request.Context(), key.String()); err == nil {
			if cl := rs.registry.ByID(claimID); cl != nil {
				c.JSON(http.StatusOK, GenericResponse{
					Success: true,
					Message: "Ячейка занята",
					Data: map[string]interface{}{
						"claimed":  true,
						"claim_id": cl.ID(),
						"owner":    cl.Owner(),
						"name":     cl.Name(),
					},
				})
				return
			}
		}
	}

	cl := rs.registry.Lookup(key)
	if cl == nil {
		c.JSON(http.StatusOK, GenericResponse{
			Success: true,
			Message: "Ячейка свободна",
			Data:    map[string]interface{}{"claimed": false},
		})
		return
	}

	if rs.lookups != nil {
		if err := rs.lookups.Set(c.Request.Context(), key.String(), cl.ID(), 0); err != nil {
			logging.Warn("Не удалось закешировать привязку %s: %v", key, err)
		}
	}

	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Ячейка занята",
		Data: map[string]interface{}{
			"claimed":  true,
			"claim_id": cl.ID(),
			"owner":    cl.Owner(),
			"name":     cl.Name(),
		},
	})
}

func (rs *RestServer) handleResolve(c *gin.Context) {
	key, ok := cellFromQuery(c)
	if !ok {
		return
	}

	action := claim.Action(c.Query("action"))
	if !action.IsValid() {
		badRequest(c, fmt.Sprintf("Неизвестное действие: %q", c.Query("action")))
		return
	}

	player := c.Query("player")
	if player == "" {
		player = c.GetString(middleware.CtxPlayer)
	}
	bypass := c.GetBool(middleware.CtxBypass)

	decision := rs.resolver.Resolve(rs.registry.Lookup(key), player, action, bypass)

	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Решение вычислено",
		Data: map[string]interface{}{
			"player":  player,
			"action":  action,
			"cell":    key.String(),
			"allowed": decision == perm.Allow,
		},
	})
}

// MoveRequest — перемещение игрока через границу ячейки.
type MoveRequest struct {
	Player string `json:"player"`
	World  string `json:"world" binding:"required"`
	FromX  int32  `json:"from_x"`
	FromZ  int32  `json:"from_z"`
	ToX    int32  `json:"to_x"`
	ToZ    int32  `json:"to_z"`
}

func (rs *RestServer) handleMove(c *gin.Context) {
	var req MoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Неверный формат запроса")
		return
	}
	if req.Player == "" {
		req.Player = c.GetString(middleware.CtxPlayer)
	}

	from := cell.Key{WorldID: req.World, X: req.FromX, Z: req.FromZ}
	to := cell.Key{WorldID: req.World, X: req.ToX, Z: req.ToZ}
	tr := rs.tracker.Move(req.Player, from, to, c.GetBool(middleware.CtxBypass))

	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Переход обработан",
		Data:    transitionData(tr),
	})
}

func (rs *RestServer) handleTeleport(c *gin.Context) {
	var req MoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Неверный формат запроса")
		return
	}
	if req.Player == "" {
		req.Player = c.GetString(middleware.CtxPlayer)
	}

	to := cell.Key{WorldID: req.World, X: req.ToX, Z: req.ToZ}
	tr := rs.tracker.Teleport(req.Player, to, c.GetBool(middleware.CtxBypass))

	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Телепортация обработана",
		Data:    transitionData(tr),
	})
}

// handleStats возвращает статистику движка и процесса.
func (rs *RestServer) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Статистика получена",
		Data: map[string]interface{}{
			"claims":         rs.metrics.ClaimStats(),
			"server":         rs.metrics.ProcessStats(),
			"memory_details": rs.metrics.MemoryDetails(),
		},
	})
}

// === Административные обработчики ===

// AdminClaimRequest — заявка на административную территорию.
type AdminClaimRequest struct {
	World  string `json:"world" binding:"required"`
	X      int32  `json:"x"`
	Z      int32  `json:"z"`
	Radius int    `json:"radius"`
}

func (rs *RestServer) handleAdminClaim(c *gin.Context) {
	var req AdminClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Неверный формат запроса")
		return
	}

	center := cell.Key{WorldID: req.World, X: req.X, Z: req.Z}
	created, err := rs.planner.AdminClaimRadius(c.Request.Context(), center, req.Radius)
	if err != nil {
		writeClaimError(c, err)
		return
	}

	c.JSON(http.StatusCreated, GenericResponse{
		Success: true,
		Message: "Административная территория создана",
		Data:    created.Snapshot(),
	})
}

func (rs *RestServer) handleSetOwner(c *gin.Context) {
	var req struct {
		NewOwner string `json:"new_owner" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Неверный формат запроса")
		return
	}

	if err := rs.planner.SetOwner(c.Request.Context(), c.Param("id"), req.NewOwner); err != nil {
		writeClaimError(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Владелец изменён"})
}

func (rs *RestServer) handleDeleteAllOf(c *gin.Context) {
	n := rs.planner.DeleteAllOf(c.Request.Context(), c.Param("owner"))
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Претензии владельца удалены",
		Data:    map[string]interface{}{"deleted": n},
	})
}

func (rs *RestServer) handleResetOverrides(c *gin.Context) {
	var req struct {
		Admin bool `json:"admin"`
	}
	_ = c.ShouldBindJSON(&req)

	n := rs.planner.ResetAllOverrides(c.Request.Context(), req.Admin)
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Переопределения сброшены",
		Data:    map[string]interface{}{"claims": n},
	})
}

// handleHealth проверка состояния сервера.
func (rs *RestServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Unix(),
	})
}

// Start запускает REST сервер.
func (rs *RestServer) Start() error {
	return rs.router.Run(rs.port)
}

// Router возвращает внутренний роутер (для httptest).
func (rs *RestServer) Router() *gin.Engine {
	return rs.router
}

// === Вспомогательные функции ===

// authorizedClaim находит претензию и проверяет право запрашивающего
// управлять ей: владелец или носитель флага обхода.
func (rs *RestServer) authorizedClaim(c *gin.Context) (*claim.Claim, bool) {
	cl := rs.registry.ByID(c.Param("id"))
	if cl == nil {
		notFound(c)
		return nil, false
	}

	player := c.GetString(middleware.CtxPlayer)
	if !c.GetBool(middleware.CtxBypass) && !cl.IsOwner(player) {
		c.JSON(http.StatusForbidden, GenericResponse{
			Success: false,
			Message: "Претензия принадлежит другому игроку",
		})
		return nil, false
	}
	return cl, true
}

func cellFromQuery(c *gin.Context) (cell.Key, bool) {
	world := c.Query("world")
	x, errX := strconv.ParseInt(c.Query("x"), 10, 32)
	z, errZ := strconv.ParseInt(c.Query("z"), 10, 32)
	if world == "" || errX != nil || errZ != nil {
		badRequest(c, "Нужны параметры world, x, z")
		return cell.Key{}, false
	}
	return cell.Key{WorldID: world, X: int32(x), Z: int32(z)}, true
}

func transitionData(tr perm.Transition) map[string]interface{} {
	data := map[string]interface{}{
		"outcome":       tr.Outcome.String(),
		"owner_changed": tr.OwnerChanged,
	}
	if tr.Entered != nil {
		data["entered"] = map[string]string{"claim_id": tr.Entered.ID(), "owner": tr.Entered.Owner()}
	}
	if tr.Left != nil {
		data["left"] = map[string]string{"claim_id": tr.Left.ID(), "owner": tr.Left.Owner()}
	}
	return data
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, GenericResponse{Success: false, Message: msg})
}

func notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, GenericResponse{Success: false, Message: "Претензия не найдена"})
}

// writeClaimError переводит доменную ошибку в HTTP-статус.
func writeClaimError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, claim.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, claim.ErrCellsOccupied),
		errors.Is(err, claim.ErrNameTaken),
		errors.Is(err, claim.ErrClaimTooClose),
		errors.Is(err, claim.ErrNotForSale):
		status = http.StatusConflict
	case errors.Is(err, claim.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	case errors.Is(err, claim.ErrLimitExceeded),
		errors.Is(err, claim.ErrRadiusTooLarge):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, claim.ErrInvalidArgument):
		status = http.StatusBadRequest
	}

	c.JSON(status, GenericResponse{Success: false, Message: err.Error()})
}
