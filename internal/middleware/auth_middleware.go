package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/annel0/claim-engine/internal/auth"
)

// Ключи контекста Gin, заполняемые AuthRequired.
const (
	CtxPlayer = "player"
	CtxBypass = "bypass"
)

// AuthRequired проверяет Bearer-токен и кладёт имя игрока и флаг обхода
// в контекст запроса. Запросы без валидного токена отклоняются с 401.
func AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "отсутствует токен"})
			return
		}

		player, valid, bypass := auth.ValidateJWT(token)
		if !valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "недействительный токен"})
			return
		}

		c.Set(CtxPlayer, player)
		c.Set(CtxBypass, bypass)
		c.Next()
	}
}

// AdminRequired пропускает только носителей флага обхода.
// Должен стоять после AuthRequired.
func AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool(CtxBypass) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "требуются права администратора"})
			return
		}
		c.Next()
	}
}
