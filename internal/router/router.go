package router

import (
	"net/http"
	"time"

	"github.com/aivf/internal/db"
	"github.com/aivf/internal/handler"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
)

const sessionName = "aivf_session"

// Options 描述路由层需要的配置。
type Options struct {
	SessionSecret string
	CORSOrigins   []string
	SecureCookie  bool
}

// SetupRouter 配置 Gin 引擎和路由
func SetupRouter(api *handler.API, opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     opts.CORSOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	// 配置会话中间件
	store := cookie.NewStore([]byte(opts.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   7 * 24 * 3600,
		HttpOnly: true,
		Secure:   opts.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	r.Use(sessions.Sessions(sessionName, store))

	r.GET("/healthz", api.HealthCheck)

	apiGroup := r.Group("/api")
	{
		authGroup := apiGroup.Group("/auth")
		authGroup.POST("/register", api.RegisterClinic)
		authGroup.POST("/login", api.Login)
		authGroup.POST("/logout", api.Logout)
		authGroup.POST("/set-password", api.SetPassword)

		// 需要登录的路由
		authed := apiGroup.Group("")
		authed.Use(handler.AuthRequired())
		{
			authed.GET("/auth/me", api.Me)

			ai := authed.Group("/ai")
			ai.POST("/chat", api.Chat)
			ai.POST("/dosage", api.ExplainDosage)

			clinic := authed.Group("/clinic")
			clinic.Use(handler.RoleRequired(db.RoleClinicAdmin))
			{
				clinic.GET("/medications", api.ListMedications)
				clinic.POST("/medications", api.CreateMedication)

				clinic.GET("/protocols", api.ListProtocols)
				clinic.POST("/protocols", api.CreateProtocol)
				clinic.GET("/protocols/:id", api.GetProtocol)

				clinic.GET("/patients", api.ListPatients)
				clinic.POST("/patients", api.CreatePatient)
				clinic.GET("/patients/:id", api.PatientDetail)
				clinic.POST("/patients/:id/assignments", api.AssignProtocol)
				clinic.POST("/patients/:id/setup-link", api.ResendSetupLink)
				clinic.GET("/patients/:id/completions", api.ListPatientCompletions)
				clinic.POST("/patients/:id/completions", api.RecordPatientCompletion)

				clinic.GET("/appointments", api.ListAppointments)
				clinic.POST("/appointments", api.CreateAppointment)
			}

			patient := authed.Group("/patient")
			patient.Use(handler.RoleRequired(db.RolePatient))
			{
				patient.GET("/today", api.Today)
				patient.GET("/calendar", api.Calendar)
				patient.GET("/history", api.History)
				patient.GET("/completions", api.ListMyCompletions)
				patient.POST("/completions", api.RecordMyCompletion)
				patient.POST("/completions/:id/symptoms", api.LogSymptom)
				patient.POST("/completions/:id/analysis", api.RetryAnalysis)
				patient.GET("/appointments", api.MyAppointments)
			}
		}
	}

	return r
}
