package tool

import (
	"context"
	"strconv"
	"time"

	"github.com/cloudwego/eino/schema"
)

const (
	ToolConsultarEstudiante   = "consultar_estudiante"
	ToolEstadisticasMatricula = "obtener_estadisticas_matricula"
	ToolReporteCohorte        = "generar_reporte_cohorte"
)

func consultarEstudiante() Spec {
	return Spec{
		Info: &schema.ToolInfo{
			Name: ToolConsultarEstudiante,
			Desc: "Busca información de un estudiante por número de documento en el sistema SIGEAM.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"documento": stringParam("Número de documento del estudiante", true),
			}),
		},
		Run: func(_ context.Context, args map[string]any) (any, error) {
			documento, err := requireString(args, "documento")
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"encontrado": true,
				"estudiante": map[string]any{
					"documento":     documento,
					"nombre":        "Juan Carlos Pérez López",
					"programa":      "Ingeniería de Sistemas",
					"semestre":      6,
					"promedio":      4.2,
					"estado":        "Activo",
					"fecha_ingreso": "2022-01-15",
					"correo":        "juan.perez@eam.edu.co",
				},
			}, nil
		},
	}
}

func estadisticasMatricula() Spec {
	return Spec{
		Info: &schema.ToolInfo{
			Name: ToolEstadisticasMatricula,
			Desc: "Obtiene estadísticas de matrícula para un periodo académico.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"periodo":  stringParam("Periodo académico (ej: 2025-1)", true),
				"programa": stringParam("Programa académico (opcional)", false),
			}),
		},
		Run: func(_ context.Context, args map[string]any) (any, error) {
			periodo, err := requireString(args, "periodo")
			if err != nil {
				return nil, err
			}
			programa := optionalString(args, "programa")
			r := seeded(ToolEstadisticasMatricula, periodo, programa)
			if programa == "" {
				programa = "Todos"
			}
			return map[string]any{
				"periodo":  periodo,
				"programa": programa,
				"estadisticas": map[string]any{
					"total_matriculados":      between(r, 2500, 3500),
					"nuevos":                  between(r, 400, 600),
					"reintegros":              between(r, 50, 100),
					"transferencias":          between(r, 10, 30),
					"crecimiento_vs_anterior": "+" + strconv.Itoa(between(r, 3, 8)) + "%",
				},
				"por_jornada": map[string]any{
					"diurna":   between(r, 1500, 2000),
					"nocturna": between(r, 800, 1200),
					"virtual":  between(r, 200, 400),
				},
			}, nil
		},
	}
}

func reporteCohorte(now func() time.Time) Spec {
	return Spec{
		Info: &schema.ToolInfo{
			Name: ToolReporteCohorte,
			Desc: "Genera un reporte de seguimiento de cohorte estudiantil.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"cohorte":  stringParam("Año de cohorte (ej: 2022)", true),
				"programa": stringParam("Programa académico (opcional)", false),
			}),
		},
		Run: func(_ context.Context, args map[string]any) (any, error) {
			cohorte, err := requireString(args, "cohorte")
			if err != nil {
				return nil, err
			}
			programa := optionalString(args, "programa")
			r := seeded(ToolReporteCohorte, cohorte, programa)
			if programa == "" {
				programa = "Todos los programas"
			}
			total := between(r, 300, 500)
			share := func(p float64) int { return int(float64(total) * p) }
			return map[string]any{
				"cohorte":          cohorte,
				"programa":         programa,
				"fecha_generacion": now().UTC().Format(time.RFC3339),
				"resumen": map[string]any{
					"ingresaron":                    total,
					"activos":                       share(0.65),
					"graduados":                     share(0.15),
					"desertores":                    share(0.20),
					"tasa_retencion":                strconv.Itoa(between(r, 75, 85)) + "%",
					"promedio_semestres_graduacion": 10.5,
				},
				"distribucion_por_estado": map[string]any{
					"matriculados":         share(0.55),
					"en_practica":          share(0.08),
					"egresados_sin_titulo": share(0.02),
					"graduados":            share(0.15),
					"retiros_voluntarios":  share(0.12),
					"desertores":           share(0.08),
				},
			}, nil
		},
	}
}
