package tool

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
)

const ToolReporteSNIES = "generar_reporte_snies"

func reporteSNIES(now func() time.Time) Spec {
	return Spec{
		Info: &schema.ToolInfo{
			Name: ToolReporteSNIES,
			Desc: "Genera reportes requeridos por el Sistema Nacional de Información de Educación Superior (SNIES).",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"tipo_reporte": stringParam("Tipo de reporte SNIES (matricula, graduados, docentes, infraestructura)", true),
				"periodo":      stringParam("Periodo del reporte", true),
			}),
		},
		Run: func(_ context.Context, args map[string]any) (any, error) {
			tipo, err := requireString(args, "tipo_reporte")
			if err != nil {
				return nil, err
			}
			periodo, err := requireString(args, "periodo")
			if err != nil {
				return nil, err
			}
			r := seeded(ToolReporteSNIES, tipo, periodo)
			report := map[string]any{
				"tipo":    tipo,
				"periodo": periodo,
				"institucion": map[string]any{
					"codigo_ies":   "2815",
					"nombre":       "Institución Universitaria EAM",
					"nit":          "890001040",
					"municipio":    "Armenia",
					"departamento": "Quindío",
				},
				"fecha_generacion": now().UTC().Format(time.RFC3339),
				"estado":           "generado",
			}

			switch strings.ToLower(tipo) {
			case "matricula":
				report["datos"] = map[string]any{
					"total_matriculados": between(r, 2800, 3500),
					"por_nivel": map[string]any{
						"pregrado":        between(r, 2500, 3000),
						"especializacion": between(r, 150, 250),
						"maestria":        between(r, 50, 100),
					},
					"por_sexo": map[string]any{
						"masculino": between(r, 1400, 1800),
						"femenino":  between(r, 1400, 1700),
					},
					"nuevos_primer_semestre": between(r, 400, 600),
				}
			case "graduados":
				programas := []string{"Ingeniería de Sistemas", "Administración de Empresas", "Contaduría Pública", "Ingeniería Industrial", "Trabajo Social"}
				porPrograma := make([]map[string]any, 0, len(programas))
				for _, p := range programas {
					porPrograma = append(porPrograma, map[string]any{"programa": p, "graduados": between(r, 30, 80)})
				}
				report["datos"] = map[string]any{
					"total_graduados":            between(r, 350, 500),
					"por_programa":               porPrograma,
					"tiempo_promedio_graduacion": "5.2 años",
					"tasa_empleabilidad":         strconv.Itoa(between(r, 75, 90)) + "%",
				}
			case "docentes":
				report["datos"] = map[string]any{
					"total_docentes": between(r, 180, 250),
					"por_dedicacion": map[string]any{
						"tiempo_completo": between(r, 60, 90),
						"medio_tiempo":    between(r, 30, 50),
						"catedra":         between(r, 80, 120),
					},
					"relacion_estudiante_docente": strconv.Itoa(between(r, 15, 25)) + ":1",
				}
			default:
				report["datos"] = map[string]any{
					"mensaje":              "Tipo de reporte no especificado, datos genéricos generados",
					"registros_procesados": between(r, 1000, 5000),
				}
			}
			return report, nil
		},
	}
}
