package runner

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/vm0-ai/vm0-runner/internal/metrics"
	"github.com/vm0-ai/vm0-runner/internal/network"
)

// HTTPServer is the loopback admin surface of the runner: health, network
// status, TAP lifecycle for the VM manager, on-demand reconciliation, and
// Prometheus metrics. It is bound to localhost and carries no auth — only
// root on the host can reach it.
type HTTPServer struct {
	echo      *echo.Echo
	doctor    *network.Doctor
	taps      *network.TapManager
	pool      *network.IPPool
	events    *EventPublisher // nil when NATS is not configured
	runnerTag string
}

// NewHTTPServer creates the admin server. events may be nil.
func NewHTTPServer(doctor *network.Doctor, taps *network.TapManager, pool *network.IPPool, events *EventPublisher, runnerTag string) *HTTPServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &HTTPServer{
		echo:      e,
		doctor:    doctor,
		taps:      taps,
		pool:      pool,
		events:    events,
		runnerTag: runnerTag,
	}

	e.Use(middleware.Recover())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "role": "runner"})
	})

	e.GET("/status", s.getStatus)
	e.POST("/doctor/reconcile", s.postReconcile)

	e.POST("/taps", s.createTap)
	e.DELETE("/taps/:name", s.deleteTap)

	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	return s
}

func (s *HTTPServer) getStatus(c echo.Context) error {
	status, err := s.doctor.Status(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, status)
}

func (s *HTTPServer) postReconcile(c echo.Context) error {
	report, err := s.doctor.Reconcile(c.Request().Context(), s.runnerTag)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if s.events != nil && report.ProxyRulesSwept > 0 {
		s.events.Publish(EventProxySwept, "", "")
	}
	if s.events != nil {
		for _, ip := range report.ReclaimedIPs {
			s.events.Publish(EventIPReclaimed, "", ip)
		}
	}
	return c.JSON(http.StatusOK, report)
}

type createTapRequest struct {
	VMID string `json:"vm_id"`
}

type createTapResponse struct {
	TapDevice  string `json:"tap_device"`
	MacAddress string `json:"mac_address"`
	GuestIP    string `json:"guest_ip"`
	GatewayIP  string `json:"gateway_ip"`
	SubnetMask string `json:"subnet_mask"`
	BootArgs   string `json:"boot_args"`
}

func (s *HTTPServer) createTap(c echo.Context) error {
	var req createTapRequest
	if err := c.Bind(&req); err != nil || req.VMID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "vm_id is required")
	}

	cfg, err := s.taps.CreateTap(c.Request().Context(), req.VMID)
	if err != nil {
		// Creation is transactional for the caller: release whatever the
		// failed attempt allocated.
		if ip, ok, _ := s.pool.LookupByVMID(req.VMID); ok {
			s.taps.DeleteTap(c.Request().Context(), network.TapName(req.VMID), ip)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if s.events != nil {
		s.events.Publish(EventTapCreated, req.VMID, cfg.TapDevice)
	}

	return c.JSON(http.StatusOK, createTapResponse{
		TapDevice:  cfg.TapDevice,
		MacAddress: cfg.MacAddress,
		GuestIP:    cfg.GuestIP,
		GatewayIP:  cfg.GatewayIP,
		SubnetMask: cfg.SubnetMask,
		BootArgs:   cfg.BootArgs(),
	})
}

func (s *HTTPServer) deleteTap(c echo.Context) error {
	name := c.Param("name")
	ip := c.QueryParam("ip")

	if err := s.taps.DeleteTap(c.Request().Context(), name, ip); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if s.events != nil {
		s.events.Publish(EventTapDeleted, "", name)
	}
	return c.NoContent(http.StatusNoContent)
}

// Start starts the admin server on the given address.
func (s *HTTPServer) Start(addr string) error {
	return s.echo.Start(addr)
}

// Close shuts the server down.
func (s *HTTPServer) Close() error {
	return s.echo.Close()
}
