package api

import (
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/BTreeMap/PatientSim/internal/models"
)

// staticHandler serves files from dir, falling back to index.html so the
// single-page client can route on its own.
func staticHandler(dir string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			writeJSONResponse(c, http.StatusNotFound, models.Error("not found"))
			return
		}

		rel := path.Clean("/" + c.Request.URL.Path)
		if rel != "/" {
			file := filepath.Join(dir, filepath.FromSlash(rel))
			if info, err := os.Stat(file); err == nil && !info.IsDir() {
				c.File(file)
				return
			}
		}

		index := filepath.Join(dir, "index.html")
		if _, err := os.Stat(index); err != nil {
			writeJSONResponse(c, http.StatusNotFound, models.Error("not found"))
			return
		}
		c.File(index)
	}
}
