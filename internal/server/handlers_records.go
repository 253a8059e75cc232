package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"credbroker-go/internal/backend"
	"credbroker-go/internal/credential"
	"credbroker-go/internal/errors"
	"credbroker-go/internal/registry"
)

// handleHealth reports storage reachability.
func (s *Server) handleHealth(c *gin.Context) {
	if err := s.deps.Store.Health(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "storage": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type recordListing struct {
	Names     []string `json:"names"`
	Transient []string `json:"transient,omitempty"`
}

func (s *Server) handleCredentialList(c *gin.Context) {
	names, err := s.deps.Credentials.List(c.Request.Context())
	if err != nil {
		renderError(c, err)
		return
	}

	listing := recordListing{Names: names}
	for _, e := range s.deps.Registry.List(registry.KindCredential) {
		if e.Transient {
			listing.Transient = append(listing.Transient, e.Name)
		}
	}
	c.JSON(http.StatusOK, listing)
}

func (s *Server) handleCredentialGet(c *gin.Context) {
	name := c.Param("name")

	// Transient registry entries overlay the persisted store.
	if e, ok := s.deps.Registry.FindByName(registry.KindCredential, name); ok {
		c.JSON(http.StatusOK, redactCredential(e.Data))
		return
	}

	cred, err := s.deps.Credentials.Get(c.Request.Context(), name)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, redactCredential(cred.ToMap()))
}

// redactCredential strips secret material from read responses.
func redactCredential(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = v
	}
	for _, k := range []string{"client_secret", "access_token", "refresh_token", "password"} {
		if _, ok := out[k]; ok {
			out[k] = "********"
		}
	}
	return out
}

func (s *Server) handleCredentialUpsert(c *gin.Context) {
	var data map[string]interface{}
	if err := c.ShouldBindJSON(&data); err != nil {
		renderError(c, errors.NewValidation("request body must be a JSON credential record"))
		return
	}

	cred, err := credential.Validate(data)
	if err != nil {
		renderError(c, err)
		return
	}
	if err := s.deps.Credentials.Save(c.Request.Context(), cred); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "name": cred.Name})
}

func (s *Server) handleCredentialDelete(c *gin.Context) {
	name := c.Param("name")

	if e, ok := s.deps.Registry.FindByName(registry.KindCredential, name); ok && e.Transient {
		s.deps.Registry.Remove(registry.KindCredential, name)
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}

	if err := s.deps.Credentials.Delete(c.Request.Context(), name); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleBackendList(c *gin.Context) {
	names, err := s.deps.Backends.List(c.Request.Context())
	if err != nil {
		renderError(c, err)
		return
	}

	listing := recordListing{Names: names}
	for _, e := range s.deps.Registry.List(registry.KindBackend) {
		if e.Transient {
			listing.Transient = append(listing.Transient, e.Name)
		}
	}
	c.JSON(http.StatusOK, listing)
}

func (s *Server) handleBackendGet(c *gin.Context) {
	name := c.Param("name")

	if e, ok := s.deps.Registry.FindByName(registry.KindBackend, name); ok {
		c.JSON(http.StatusOK, e.Data)
		return
	}

	b, err := s.deps.Backends.Get(c.Request.Context(), name)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (s *Server) handleBackendUpsert(c *gin.Context) {
	var data map[string]interface{}
	if err := c.ShouldBindJSON(&data); err != nil {
		renderError(c, errors.NewValidation("request body must be a JSON backend record"))
		return
	}

	b, err := backend.Validate(data)
	if err != nil {
		renderError(c, err)
		return
	}
	if err := s.deps.Backends.Save(c.Request.Context(), b); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "name": b.Name})
}

func (s *Server) handleBackendDelete(c *gin.Context) {
	name := c.Param("name")

	if e, ok := s.deps.Registry.FindByName(registry.KindBackend, name); ok && e.Transient {
		s.deps.Registry.Remove(registry.KindBackend, name)
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}

	if err := s.deps.Backends.Remove(c.Request.Context(), name); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
